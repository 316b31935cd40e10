// collard wires the Radio Manager, the Wi-Fi AT Driver, the event
// fabric, a cellular collaborator and the diagnostics server into a
// runnable daemon, the equivalent of the teacher's cmd/vmodem main for
// this module's domain.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/collarcore/radiocore/atdriver"
	"github.com/collarcore/radiocore/cellular"
	"github.com/collarcore/radiocore/config"
	"github.com/collarcore/radiocore/diag"
	"github.com/collarcore/radiocore/fabric"
	"github.com/collarcore/radiocore/pool"
	"github.com/collarcore/radiocore/radio"
	"github.com/collarcore/radiocore/shadow"
	"github.com/collarcore/radiocore/transport"
)

type Options struct {
	ConfigPath string `short:"c" long:"config" description:"path to YAML config" default:"/etc/collard/config.yaml"`
	Verbose    []bool `short:"v" long:"verbose" description:"increase log verbosity"`
}

var log = logrus.WithField("subsystem", "collard")

func main() {
	var options Options
	if _, err := flags.NewParser(&options, flags.Default).ParseArgs(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %v\n", err)
		os.Exit(1)
	}
	if len(options.Verbose) > 0 {
		logrus.SetLevel(logrus.DebugLevel)
	}

	cfg, err := config.Load(options.ConfigPath)
	if err != nil {
		log.WithError(err).Fatal("failed loading config")
	}

	link, err := transport.OpenSerial(transport.SerialConfig{Device: cfg.Serial.Device, BaudRate: cfg.Serial.BaudRate})
	if err != nil {
		log.WithError(err).Fatal("failed opening wifi modem serial link")
	}
	link = transport.NagleWrap(link, 256, 20*time.Millisecond)

	daTopic := fabric.NewTopic[fabric.DaEvent]("da_state")
	wifiShadow := shadow.New(daTopic)

	msgPool := pool.New(pool.Config{
		Capacity:   cfg.Pool.Capacity,
		MaxPending: cfg.Pool.MaxPending,
		FlushAge:   cfg.Pool.FlushAge,
		OnWatchdog: func() {
			log.Warn("message pool watchdog fired: five consecutive allocation failures")
		},
	})

	mqttTopic := fabric.NewTopic[fabric.MqttCloudToDevice]("mqtt_cloud_to_device")
	store := atdriver.NewMemStore()

	wat := atdriver.New(link, wifiShadow, msgPool, store, mqttTopic, atdriver.Config{
		DefaultTimeout:   cfg.AtDriver.DefaultTimeout,
		AfterSleepWait:   cfg.AtDriver.AfterSleepWait,
		MqttClientID:     cfg.Mqtt.ClientID,
		MqttBrokerHost:   cfg.Mqtt.BrokerHost,
		MqttBrokerPort:   cfg.Mqtt.BrokerPort,
		OnboardingTopics: cfg.Mqtt.OnboardTopics,
		FullTopics:       cfg.Mqtt.FullTopics,
		NtpServer:        cfg.AtDriver.NtpServer,
	})
	defer wat.Close()

	lteTopic := fabric.NewTopic[fabric.LteStatusUpdate]("lte_status_update")
	lteShadow := cellular.NewShadow(lteTopic)
	lte := cellular.NewFakeModem() // real cellular transport is out of scope (§1)

	rm := radio.New(wifiShadow, wat, lte, lteShadow, daTopic, lteTopic, radio.Config{
		StepTimeout:      cfg.Radio.StepTimeout,
		MaxRetries:       cfg.Radio.MaxRetries,
		PollInterval:     cfg.Radio.PollInterval,
		RSSIPollInterval: cfg.Radio.RSSIPollInterval,
	})
	defer rm.Close()

	diagServer := diag.New(cfg.Diag.ListenAddr, wifiShadow, rm, msgPool)

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("shutting down")
		cancel()
	}()

	log.Info("collard started")
	if err := diagServer.Run(ctx); err != nil {
		log.WithError(err).Error("diag server exited with error")
	}
}
