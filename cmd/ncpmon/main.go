package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/denisbrodbeck/machineid"
	"github.com/robotalks/ncp.go/pkg/framework"
	"github.com/robotalks/ncp.go/pkg/l0/uart"
	"github.com/robotalks/ncp.go/pkg/ncp"
	"github.com/robotalks/ncp.go/pkg/spinel"
)

var (
	device  = "/dev/ttyUSB0"
	mqttURL = "tcp://localhost:1883"
	prefix  = "ncp/"
)

func init() {
	if val := os.Getenv("NCP_DEVICE"); val != "" {
		device = val
	}
	if val := os.Getenv("NCP_MQTT_URL"); val != "" {
		mqttURL = val
	}
	flag.StringVar(&device, "device", device, "Serial target: path, tcp:// or ws:// URL.")
	flag.StringVar(&mqttURL, "mqtt", mqttURL, "MQTT broker URL.")
	flag.StringVar(&prefix, "topic-prefix", prefix, "MQTT topic prefix.")
}

func main() {
	flag.Parse()
	log.SetFlags(log.Lmicroseconds)

	id, err := machineid.ID()
	if err != nil {
		log.Fatalln(err)
	}
	topic := func(name string) string { return prefix + id + "/" + name }

	stream, err := uart.Dial(device)
	if err != nil {
		log.Fatalln(err)
	}
	defer stream.Close()

	opts := paho.NewClientOptions().
		AddBroker(mqttURL).
		SetClientID("ncpmon-" + id).
		SetAutoReconnect(true).
		SetCleanSession(true)
	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalln(token.Error())
	}
	defer client.Disconnect(0)

	port := uart.NewPort(stream)
	link := ncp.NewLink(port, nil)
	link.Callbacks = ncp.Callbacks{
		InboundIP6: func(pkt []byte, secure bool) {
			name := "rx"
			if !secure {
				name = "rx-insecure"
			}
			client.Publish(topic(name), 0, false, append([]byte(nil), pkt...))
		},
		RoleChanged: func(role spinel.NetRole) {
			client.Publish(topic("role"), 0, true, []byte(role.String()))
		},
		ScanResult: func(result *ncp.ScanResult) {
			payload := fmt.Sprintf("ch=%d rssi=%d pan=%04x name=%q xpan=%s",
				result.Channel, result.RSSI, result.PanID,
				result.NetworkName, hex.EncodeToString(result.XPanID))
			client.Publish(topic("scan"), 0, false, []byte(payload))
		},
		ScanDone: func() {
			client.Publish(topic("scan-done"), 0, false, []byte{})
		},
		LegacyPrefix: func(prefix [8]byte) {
			client.Publish(topic("legacy-ula"), 0, true, prefix[:])
		},
		Recovered: func() {
			client.Publish(topic("recovered"), 0, false, []byte{})
		},
	}

	client.Subscribe(topic("tx"), 0, func(_ paho.Client, msg paho.Message) {
		if err := link.SendIP6(msg.Payload(), false); err != nil {
			log.Printf("tx: %v", err)
		}
	})

	err = framework.NewRunner().
		HandleSignals().
		Go(
			framework.NamedRun("port", port),
			framework.NamedRun("link", link),
		).
		Wait()
	if err != nil {
		log.Fatalln(err)
	}
}
