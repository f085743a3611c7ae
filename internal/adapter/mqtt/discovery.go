package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/couchcryptid/lightning-detector/internal/domain"
)

type discoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Name         string   `json:"name,omitempty"`
	Model        string   `json:"model,omitempty"`
}

type discoveryConfig struct {
	Name                string          `json:"name"`
	UniqueID            string          `json:"uniq_id"`
	DeviceClass         string          `json:"dev_cla,omitempty"`
	Unit                string          `json:"unit_of_measurement,omitempty"`
	StateTopic          string          `json:"stat_t"`
	ValueTemplate       string          `json:"val_tpl"`
	Base                string          `json:"~"`
	PayloadAvailable    string          `json:"pl_avail"`
	PayloadNotAvailable string          `json:"pl_not_avail"`
	AvailabilityTopic   string          `json:"avty_t"`
	AttributesTopic     string          `json:"json_attr_t,omitempty"`
	AttributesTemplate  string          `json:"json_attr_tpl,omitempty"`
	Device              discoveryDevice `json:"dev"`
}

// entity is one Home Assistant sensor backed by a detector topic. Entities
// with a jsonKey read their state from that topic's wrapped payload.
type entity struct {
	id          string
	title       string
	deviceClass string
	withUnit    bool
	jsonKey     string
	ownsDevice  bool
}

var entities = []entity{
	{id: "last", title: "Last", deviceClass: "timestamp", ownsDevice: true},
	{id: "energy", title: "Energy"},
	{id: "distance", title: "Distance", withUnit: true},
	{id: "count", title: "Count"},
	{id: "settings", title: "Detector Settings", deviceClass: "timestamp", jsonKey: "settings"},
	{id: "crings", title: "Current RingSet", deviceClass: "timestamp", jsonKey: "crings"},
	{id: "prings", title: "Past RingSet", deviceClass: "timestamp", jsonKey: "prings"},
}

type discoveryMessage struct {
	topic   string
	payload []byte
}

// discoveryMessages builds the retained config message for every entity.
func (g *Gateway) discoveryMessages(units domain.Unit) ([]discoveryMessage, error) {
	uniqueID := "AS3935-" + g.sensorName
	msgs := make([]discoveryMessage, 0, len(entities))
	for _, e := range entities {
		c := discoveryConfig{
			UniqueID:            uniqueID + "_" + e.id,
			DeviceClass:         e.deviceClass,
			Base:                g.topic,
			PayloadAvailable:    statusOnline,
			PayloadNotAvailable: statusOffline,
			AvailabilityTopic:   "~/status",
			Device:              discoveryDevice{Identifiers: []string{uniqueID}},
		}
		if e.jsonKey != "" {
			c.Name = e.title
			c.StateTopic = "~/" + e.jsonKey
			c.ValueTemplate = fmt.Sprintf("{{ value_json.%s.timestamp }}", e.jsonKey)
			c.AttributesTopic = "~/" + e.jsonKey
			c.AttributesTemplate = fmt.Sprintf("{{ value_json.%s | tojson }}", e.jsonKey)
		} else {
			c.Name = titleCase(g.sensorName) + " " + e.title
			c.StateTopic = "~/detect"
			c.ValueTemplate = fmt.Sprintf("{{ value_json.%s }}", detectField(e.id))
		}
		if e.withUnit {
			c.Unit = string(units)
		}
		if e.ownsDevice {
			c.Device.Manufacturer = "(Austria Micro Systems) ams AG"
			c.Device.Name = "Lightning Detector"
			c.Device.Model = "Lightning Detector (AS3935)"
		}

		payload, err := json.Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("marshal discovery config %s: %w", e.id, err)
		}
		msgs = append(msgs, discoveryMessage{
			topic:   fmt.Sprintf("%s/sensor/%s/%s/config", g.discoveryPrefix, g.sensorName, e.id),
			payload: payload,
		})
	}
	return msgs, nil
}

// PublishDiscovery announces the detector's entities for Home Assistant MQTT
// discovery. Messages are retained so late subscribers pick them up.
func (g *Gateway) PublishDiscovery(ctx context.Context, units domain.Unit) error {
	msgs, err := g.discoveryMessages(units)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if err := g.publish(ctx, m.topic, m.payload, true); err != nil {
			return err
		}
	}
	g.logger.Info("mqtt discovery announced", "entities", len(msgs), "prefix", g.discoveryPrefix)
	return nil
}

// detectField maps an entity id to its key in the detect payload.
func detectField(id string) string {
	if id == "last" {
		return "timestamp"
	}
	return id
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
