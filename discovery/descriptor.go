package discovery

import (
	"cmp"
	"encoding/json/jsontext"
	"encoding/json/v2"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/nlowe/hqttd/hass"
	"github.com/nlowe/hqttd/mqtt"
)

// ErrUnknownEntityType is the error returned when a Descriptor names a platform Home Assistant would not accept.
var ErrUnknownEntityType = errors.New("unknown entity type")

// Descriptor is the discovery payload for a single entity. Fields that only apply to some entities are gated by the
// matching Has* flag so that, for example, a stateful entity always emits `opt` even when it is false. Descriptor
// implements json.MarshalerTo and slog.LogValuer.
type Descriptor struct {
	Type hass.EntityType

	// The human-readable name. Encoded as null when empty so only the device name is shown.
	Name     string
	UniqueID string
	Icon     string

	// The shared status topic for the agent.
	AvailabilityTopic string

	HasState   bool
	StateTopic string
	Optimistic bool

	HasCommand   bool
	CommandTopic string

	HasOptions bool
	Options    []string

	DeviceClass hass.DeviceClass

	Device Device
	// If nil, DefaultOrigin is used.
	Origin *Origin
}

// Validate checks the parts of the Descriptor Home Assistant requires before it will create an entity.
func (d Descriptor) Validate() error {
	if !d.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownEntityType, d.Type)
	}

	var errs []error
	if d.UniqueID == "" {
		errs = append(errs, fmt.Errorf("unique id: %w", ErrValueRequired))
	}

	if d.AvailabilityTopic == "" {
		errs = append(errs, fmt.Errorf("availability: %w", ErrTopicRequired))
	}

	if d.HasState && d.StateTopic == "" {
		errs = append(errs, fmt.Errorf("state: %w", ErrTopicRequired))
	}

	if d.HasCommand && d.CommandTopic == "" {
		errs = append(errs, fmt.Errorf("command: %w", ErrTopicRequired))
	}

	if len(d.Device.Identifiers) == 0 {
		errs = append(errs, fmt.Errorf("device identifiers: %w", ErrValueRequired))
	}

	return errors.Join(errs...)
}

func (d Descriptor) MarshalJSONTo(e *jsontext.Encoder) error {
	if err := d.Validate(); err != nil {
		return err
	}

	nameToken := jsontext.Null
	if d.Name != "" {
		nameToken = jsontext.String(d.Name)
	}

	return errors.Join(
		e.WriteToken(jsontext.BeginObject),

		e.WriteToken(jsontext.String(FieldName)),
		e.WriteToken(nameToken),

		MarshalStdComparable("unique id", e, FieldUniqueID, d.UniqueID),
		MaybeMarshalStdComparable(e, FieldIcon, d.Icon),
		MarshalRequiredTopic("availability", e, FieldAvailabilityTopic, d.AvailabilityTopic),

		d.marshalState(e),
		d.marshalCommand(e),
		d.marshalOptions(e),

		MaybeMarshalStdComparable(e, FieldDeviceClass, d.DeviceClass),

		MarshalStd("device", e, FieldDevice, &d.Device),
		MarshalStd("origin", e, FieldOrigin, cmp.Or(d.Origin, &DefaultOrigin)),

		e.WriteToken(jsontext.EndObject),
	)
}

func (d Descriptor) marshalState(e *jsontext.Encoder) error {
	if !d.HasState {
		return nil
	}

	return errors.Join(
		MarshalRequiredTopic("state", e, FieldStateTopic, d.StateTopic),
		MaybeMarshalStd(e, FieldOptimistic, &d.Optimistic),
	)
}

func (d Descriptor) marshalCommand(e *jsontext.Encoder) error {
	if !d.HasCommand {
		return nil
	}

	return MarshalRequiredTopic("command", e, FieldCommandTopic, d.CommandTopic)
}

func (d Descriptor) marshalOptions(e *jsontext.Encoder) error {
	if !d.HasOptions {
		return nil
	}

	// Options are a set, so sort them to keep the retained payload stable between publishes.
	options := slices.Clone(d.Options)
	slices.Sort(options)

	return MarshalStdSlice(e, FieldOptions, slices.Compact(options))
}

// Marshal encodes the Descriptor to the bytes published to its discovery topic.
func (d Descriptor) Marshal() ([]byte, error) {
	data, err := json.Marshal(d, json.WithMarshalers(Marshalers))
	if err != nil {
		return nil, fmt.Errorf("marshal %s discovery descriptor %q: %w", d.Type, d.UniqueID, err)
	}

	return data, nil
}

func (d Descriptor) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", string(d.Type)),
		slog.String("unique_id", d.UniqueID),
	)
}

// Topic returns the retained discovery topic for an entity: `<prefix>/<type>/<device id>_<object id>/config`.
func Topic(prefix string, entityType hass.EntityType, deviceID, objectID string) string {
	return mqtt.JoinTopic(prefix, string(entityType), deviceID+"_"+objectID, "config")
}
