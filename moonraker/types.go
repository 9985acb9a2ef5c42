package moonraker

import (
	"encoding/json"

	"moonrakerapi/metrics"
)

const (
	METHOD_PRINTER_INFO             = "printer.info"
	METHOD_SERVER_INFO              = "server.info"
	METHOD_OBJECTS_LIST             = "printer.objects.list"
	METHOD_OBJECTS_QUERY            = "printer.objects.query"
	METHOD_OBJECTS_SUBSCRIBE        = "printer.objects.subscribe"
	METHOD_PRINTER_RESTART          = "printer.restart"
	METHOD_EMERGENCY_STOP           = "printer.emergency_stop"
	METHOD_FIRMWARE_RESTART         = "printer.firmware_restart"
	METHOD_GCODE_SCRIPT             = "printer.gcode.script"
	METHOD_WEBSOCKET_ID             = "server.websocket.id"
	NOTIFY_STATUS_UPDATE            = "notify_status_update"
	NOTIFY_KLIPPY_READY             = "notify_klippy_ready"
	NOTIFY_KLIPPY_SHUTDOWN          = "notify_klippy_shutdown"
	NOTIFY_KLIPPY_DISCONNECTED      = "notify_klippy_disconnected"
	NOTIFY_GCODE_RESPONSE           = "notify_gcode_response"
	NOTIFY_FILELIST_CHANGED         = "notify_filelist_changed"
	NOTIFY_HISTORY_CHANGED          = "notify_history_changed"
	NOTIFY_PROC_STAT_UPDATE         = "notify_proc_stat_update"
	NOTIFY_SERVICE_STATE_CHANGED    = "notify_service_state_changed"
	NOTIFY_JOB_QUEUE_CHANGED        = "notify_job_queue_changed"
	NOTIFY_CPU_THROTTLED            = "notify_cpu_throttled"
	NOTIFY_UPDATE_RESPONSE          = "notify_update_response"
	NOTIFY_ANNOUNCEMENT_UPDATE      = "notify_announcement_update"
	DEFAULT_COMMAND_TIMEOUT_SECONDS = 30
)

func init() {
	metrics.RegisterMethods(
		METHOD_PRINTER_INFO, METHOD_SERVER_INFO, METHOD_OBJECTS_LIST,
		METHOD_OBJECTS_QUERY, METHOD_OBJECTS_SUBSCRIBE, METHOD_PRINTER_RESTART,
		METHOD_EMERGENCY_STOP, METHOD_FIRMWARE_RESTART, METHOD_GCODE_SCRIPT,
		METHOD_WEBSOCKET_ID,
		NOTIFY_STATUS_UPDATE, NOTIFY_KLIPPY_READY, NOTIFY_KLIPPY_SHUTDOWN,
		NOTIFY_KLIPPY_DISCONNECTED, NOTIFY_GCODE_RESPONSE, NOTIFY_FILELIST_CHANGED,
		NOTIFY_HISTORY_CHANGED, NOTIFY_PROC_STAT_UPDATE, NOTIFY_SERVICE_STATE_CHANGED,
		NOTIFY_JOB_QUEUE_CHANGED, NOTIFY_CPU_THROTTLED, NOTIFY_UPDATE_RESPONSE,
		NOTIFY_ANNOUNCEMENT_UPDATE,
	)
}

type ServerInfo struct {
	KlippyConnected       bool     `json:"klippy_connected"`
	KlippyState           string   `json:"klippy_state"`
	Components            []string `json:"components"`
	FailedComponents      []string `json:"failed_components"`
	RegisteredDirectories []string `json:"registered_directories"`
	Warnings              []string `json:"warnings"`
	WebsocketCount        int      `json:"websocket_count"`
	MoonrakerVersion      string   `json:"moonraker_version"`
}

type PrinterInfo struct {
	State           string `json:"state"`
	StateMessage    string `json:"state_message"`
	KlippyPath      string `json:"klipper_path"`
	PythonPath      string `json:"python_path"`
	LogFile         string `json:"log_file"`
	ConfigFile      string `json:"config_file"`
	SoftwareVersion string `json:"software_version"`
	Hostname        string `json:"hostname"`
	CPUInfo         string `json:"cpu_info"`
}

// ObjectStatus is the result of printer.objects.query and
// printer.objects.subscribe.
type ObjectStatus struct {
	EventTime float64                    `json:"eventtime"`
	Status    map[string]json.RawMessage `json:"status"`
}

type CommandMessage struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params"`
}

type objectList struct {
	Objects []string `json:"objects"`
}

type websocketID struct {
	WebsocketID int64 `json:"websocket_id"`
}
