package frigatepersoncounter

// Domain is the integration domain, also used as the plugin name
const Domain = "frigate_person_counter"

// EventType is the Home Assistant event Frigate fires for person detections
const EventType = "frigate/person"

// Sensor description
const (
	SensorName        = "Frigate Person Count"
	SensorUniqueID    = "frigate_person_counter_sensor"
	SensorIcon        = "mdi:account-multiple"
	SensorUnit        = "detections"
	SensorDescription = "Counts new person detections from Frigate"
)

// Detection payload values that are counted
const (
	detectionTypeNew = "new"
	labelPerson      = "person"
)
