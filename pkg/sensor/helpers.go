package sensor

import (
	"github.com/ericogr/rcinput-to-mqtt/pkg/config"
	"github.com/ericogr/rcinput-to-mqtt/pkg/rangemap"
)

// channelMapper pairs an enabled channel with its derived range mapping.
type channelMapper struct {
	cfg    config.ChannelConfig
	params rangemap.Params
	clamp  bool
}

// buildChannelMappers derives a mapping for every enabled channel.
func buildChannelMappers(cfg config.Config) ([]channelMapper, error) {
	chans := cfg.EnabledChannels()
	out := make([]channelMapper, 0, len(chans))
	for _, c := range chans {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		p, err := c.Params()
		if err != nil {
			return nil, err
		}
		out = append(out, channelMapper{cfg: c, params: p, clamp: cfg.Clamp})
	}
	return out, nil
}

func (m channelMapper) value(raw uint16) float64 {
	if m.clamp {
		return m.params.ApplyClamped(float64(raw))
	}
	return m.params.Apply(float64(raw))
}

func (m channelMapper) fallback() Reading {
	return Reading{Channel: m.cfg.Channel, Name: m.cfg.Name, Value: m.cfg.Default}
}
