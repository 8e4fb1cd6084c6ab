package platform

import (
	"log/slog"

	"github.com/nlowe/hqttd/entity"
	"github.com/nlowe/hqttd/hass"
	"github.com/nlowe/hqttd/log"
)

// SleepButtonName is the entity name of the SleepButton.
const SleepButtonName = "sleep_computer"

// Sleeper puts the host to sleep.
type Sleeper interface {
	Sleep() error
}

// SleepButton is a button that suspends the host when pressed. Any payload counts as a press.
//
// See https://www.home-assistant.io/integrations/button.mqtt/.
type SleepButton struct {
	entity.Base

	sleeper Sleeper
	log     *slog.Logger
}

var _ entity.Commandable = &SleepButton{}

func NewSleepButton(sleeper Sleeper) *SleepButton {
	return &SleepButton{
		Base: entity.NewBase(entity.Info{
			Name:       SleepButtonName,
			PrettyName: "Sleep",
			Icon:       hass.IconPowerSleep,
			Type:       hass.EntityTypeButton,
		}),

		sleeper: sleeper,
		log:     log.ForComponent("platform.sleep").With(log.Entity(SleepButtonName)),
	}
}

func (b *SleepButton) HandleCommand(string) {
	b.log.Info("Going to sleep")

	if err := b.sleeper.Sleep(); err != nil {
		b.log.With(log.Error(err)).Error("Failed to put the host to sleep")
	}
}
