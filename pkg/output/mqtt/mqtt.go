package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ericogr/rcinput-to-mqtt/pkg/config"
	"github.com/ericogr/rcinput-to-mqtt/pkg/output"
	"github.com/ericogr/rcinput-to-mqtt/pkg/sensor"
)

const (
	// defaults
	DefaultServer      = "tcp://localhost:1883"
	DefaultClientIDFmt = "rcinput-%s"
	perChannelTopicFmt = "rcinput/channel/%d"
	disconnectQuiesce  = 250
	// discovery payload keys/values
	keyName                = "name"
	keyStateTopic          = "state_topic"
	keyUnitOfMeasurement   = "unit_of_measurement"
	keyStateClass          = "state_class"
	keyValueTemplate       = "value_template"
	keyJSONAttributesTopic = "json_attributes_topic"
	keyUniqueID            = "unique_id"
	unitMicroseconds       = "µs"
	stateClassMeasurement  = "measurement"
	valueTemplateValue     = "{{ value_json.value }}"
)

// publisher is the part of mqtt.Client used here.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type MQTTOutput struct {
	client     publisher
	disconnect func()
	stateTopic string
}

// payload is the JSON body published per reading.
type payload struct {
	Name    string  `json:"name"`
	Raw     uint16  `json:"raw"`
	Value   float64 `json:"value"`
	Present bool    `json:"present"`
	Status  string  `json:"status,omitempty"`
}

func NewMQTT(cfg config.MQTTConfig, channels []config.ChannelConfig) (output.Output, error) {
	cfg = withDefaults(cfg)
	opts := mqtt.NewClientOptions().AddBroker(cfg.Server).SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, errors.Wrapf(token.Error(), "mqtt connect %s", cfg.Server)
	}
	log.Infof("connected to mqtt broker %s as %s", cfg.Server, cfg.ClientID)

	m := newOutput(client, cfg, channels)
	m.disconnect = func() { client.Disconnect(disconnectQuiesce) }
	return m, nil
}

// newOutput publishes discovery entries, if configured, and returns the output.
func newOutput(client publisher, cfg config.MQTTConfig, channels []config.ChannelConfig) *MQTTOutput {
	m := &MQTTOutput{client: client, stateTopic: cfg.Topic}
	if cfg.DiscoveryTopic == "" {
		return m
	}
	if strings.Contains(cfg.DiscoveryTopic, "%d") {
		for _, ch := range channels {
			if !ch.Enabled {
				continue
			}
			ch := ch
			dTopic := fmt.Sprintf(cfg.DiscoveryTopic, ch.Channel)
			p := baseDiscoveryPayload(discoveryName(cfg, &ch), formatStateTopic(cfg.Topic, ch.Channel), discoveryUniqueID(cfg, &ch))
			if err := publishJSON(client, dTopic, true, p); err != nil {
				log.Errorf("mqtt discovery publish error: %s", err)
			}
		}
		return m
	}
	p := baseDiscoveryPayload(discoveryName(cfg, nil), m.stateTopic, discoveryUniqueID(cfg, nil))
	if err := publishJSON(client, cfg.DiscoveryTopic, true, p); err != nil {
		log.Errorf("mqtt discovery publish error: %s", err)
	}
	return m
}

func withDefaults(cfg config.MQTTConfig) config.MQTTConfig {
	if cfg.Server == "" {
		cfg.Server = DefaultServer
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf(DefaultClientIDFmt, uuid.NewString()[:8])
	}
	if cfg.Topic == "" {
		cfg.Topic = perChannelTopicFmt
	}
	return cfg
}

func (m *MQTTOutput) Publish(readings []sensor.Reading) error {
	for _, r := range readings {
		topic := formatStateTopic(m.stateTopic, r.Channel)
		b, err := json.Marshal(payload{Name: r.Name, Raw: r.Raw, Value: r.Value, Present: r.Present, Status: r.Status})
		if err != nil {
			return err
		}
		token := m.client.Publish(topic, 0, false, b)
		token.Wait()
		if token.Error() != nil {
			return errors.Wrapf(token.Error(), "publish %s", topic)
		}
	}
	return nil
}

func (m *MQTTOutput) Close() error {
	if m.disconnect != nil {
		m.disconnect()
	}
	return nil
}

// helper: format a state topic for a channel using an optional formatter
func formatStateTopic(base string, ch int) string {
	if base == "" {
		return fmt.Sprintf(perChannelTopicFmt, ch)
	}
	if strings.Contains(base, "%d") {
		return fmt.Sprintf(base, ch)
	}
	return base
}

func discoveryName(cfg config.MQTTConfig, ch *config.ChannelConfig) string {
	name := cfg.DiscoveryName
	if name == "" {
		name = fmt.Sprintf("RC input %s", cfg.ClientID)
	}
	if ch != nil {
		if ch.Name != "" {
			return fmt.Sprintf("%s %s", name, ch.Name)
		}
		name = fmt.Sprintf("%s ch%d", name, ch.Channel)
	}
	return name
}

func discoveryUniqueID(cfg config.MQTTConfig, ch *config.ChannelConfig) string {
	uid := cfg.DiscoveryUniqueID
	if uid == "" {
		uid = cfg.ClientID
	}
	if uid != "" && ch != nil {
		uid = fmt.Sprintf("%s_%d", uid, ch.Channel)
	}
	return uid
}

func baseDiscoveryPayload(name, stateTopic, uniqueID string) map[string]interface{} {
	p := map[string]interface{}{
		keyName:                name,
		keyStateTopic:          stateTopic,
		keyUnitOfMeasurement:   unitMicroseconds,
		keyStateClass:          stateClassMeasurement,
		keyValueTemplate:       valueTemplateValue,
		keyJSONAttributesTopic: stateTopic,
	}
	if uniqueID != "" {
		p[keyUniqueID] = uniqueID
	}
	return p
}

func publishJSON(client publisher, topic string, retained bool, p map[string]interface{}) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	token := client.Publish(topic, 0, retained, b)
	token.Wait()
	return token.Error()
}
