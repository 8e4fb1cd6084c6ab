package discovery

// Constants for component (entity) discovery fields.
const (
	FieldName              = "name"
	FieldUniqueID          = "uniq_id"
	FieldIcon              = "ic"
	FieldAvailabilityTopic = "avty_t"
	FieldStateTopic        = "stat_t"
	FieldCommandTopic      = "cmd_t"
	FieldOptimistic        = "opt"
	FieldOptions           = "ops"
	FieldDeviceClass       = "dev_cla"
)
