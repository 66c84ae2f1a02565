package types

// Reserved field names in the device's CBOR reading payload.
const (
	FieldTimestamp = "timestamp"
	FieldSpectrum  = "audioFft"
)

// SentinelMissing is the value devices report for a field that was not
// measured this cycle. Excluded from persistence and notifications, like NaN.
const SentinelMissing = -1

// Outbound push topics.
const (
	PushTopicWidget  = "widget"
	PushTopicAlerts  = "alerts"
	PushTopicDigests = "digests"
)

// Resource path suffixes served per configured device, plus the shared
// observable time resource.
const (
	DataResource  = "data"
	PrefsResource = "prefs"
	TimeResource  = "time"
)

// PrefsKeyLastChanged is the logical-clock key inside a device's CBOR
// preference blob. Last-writer-wins resolution compares this value.
const PrefsKeyLastChanged = "lastChangedS"
