package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/bbq191/find-my-android-sub002/internal/model"
	"github.com/bbq191/find-my-android-sub002/internal/topic"
)

type commandPayload struct {
	Command string `json:"command"`
	From    string `json:"from"`
}

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	prefix := flag.String("prefix", "locshare", "Topic prefix shared with the agents")
	deviceID := flag.String("device", "", "Device whose reports to follow and locate")
	peerID := flag.String("peer-id", "", "Identifier sent with locate requests")
	interval := flag.Duration("interval", time.Minute, "Interval between locate requests, 0 to only listen")
	username := flag.String("username", "", "Broker username")
	password := flag.String("password", "", "Broker password")

	flag.Parse()

	if *deviceID == "" {
		log.Fatal("-device is required")
	}
	if *peerID == "" {
		*peerID = "peer-" + uuid.NewString()[:8]
	}

	opts := mqtt.NewClientOptions().AddBroker(*brokerAddr).SetClientID(*peerID)
	opts = opts.SetOrderMatters(false)
	if *username != "" {
		opts.SetUsername(*username)
		opts.SetPassword(*password)
	}

	reportTopic := topic.Reports(*prefix, *deviceID)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		token := c.Subscribe(reportTopic, 1, func(_ mqtt.Client, msg mqtt.Message) {
			var rep model.LocationReport
			if err := json.Unmarshal(msg.Payload(), &rep); err != nil {
				log.Printf("undecodable report on %s: %v", msg.Topic(), err)
				return
			}
			log.Printf("report from %s reason=%s activity=%s lat=%.5f lon=%.5f acc=%.0fm battery=%d at %s",
				rep.DeviceID, rep.Reason, rep.Activity,
				rep.Coordinates.Latitude, rep.Coordinates.Longitude, rep.Coordinates.Accuracy,
				rep.Battery, rep.Timestamp.Format(time.RFC3339))
		})
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("subscribe error: %v", err)
			return
		}
		log.Printf("following %s", reportTopic)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("failed to connect to broker: %v", token.Error())
	}
	log.Printf("connected to MQTT broker %s as %s", *brokerAddr, *peerID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	locate := func() {
		data, err := json.Marshal(commandPayload{Command: "locate", From: *peerID})
		if err != nil {
			log.Printf("failed to encode command: %v", err)
			return
		}

		commandTopic := topic.Commands(*prefix, *deviceID)
		token := client.Publish(commandTopic, 1, false, data)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("publish error: %v", err)
			return
		}
		log.Printf("requested location on %s", commandTopic)
	}

	var tick <-chan time.Time
	if *interval > 0 {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()
		tick = ticker.C
		locate()
	}

	for {
		select {
		case <-ctx.Done():
			log.Print("received shutdown signal, disconnecting")
			client.Disconnect(250)
			return
		case <-tick:
			locate()
		}
	}
}
