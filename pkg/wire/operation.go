package wire

// Operation is a request operation.
type Operation uint8

const (
	OpConnect       Operation = 1
	OpDisconnect    Operation = 2
	OpGetStatus     Operation = 3
	OpBrowse        Operation = 4
	OpGetProperties Operation = 5
	OpAddGroup      Operation = 6
	OpRemoveGroup   Operation = 7
	OpSetGroupState Operation = 8
	OpAddItems      Operation = 9
	OpRemoveItems   Operation = 10
	OpRead          Operation = 11
	OpWrite         Operation = 12
	OpSubscribe     Operation = 13
	OpUnsubscribe   Operation = 14
	OpRefresh       Operation = 15
)

var operationNames = map[Operation]string{
	OpConnect:       "Connect",
	OpDisconnect:    "Disconnect",
	OpGetStatus:     "GetStatus",
	OpBrowse:        "Browse",
	OpGetProperties: "GetProperties",
	OpAddGroup:      "AddGroup",
	OpRemoveGroup:   "RemoveGroup",
	OpSetGroupState: "SetGroupState",
	OpAddItems:      "AddItems",
	OpRemoveItems:   "RemoveItems",
	OpRead:          "Read",
	OpWrite:         "Write",
	OpSubscribe:     "Subscribe",
	OpUnsubscribe:   "Unsubscribe",
	OpRefresh:       "Refresh",
}

// String returns the operation name.
func (o Operation) String() string {
	if n, ok := operationNames[o]; ok {
		return n
	}
	return "Unknown"
}

// IsValid returns true if the operation is known.
func (o Operation) IsValid() bool {
	return o >= OpConnect && o <= OpRefresh
}

// NotificationKind is the kind of a notification.
type NotificationKind uint8

const (
	// NotifyDataChange carries item reports of one group.
	NotifyDataChange NotificationKind = 1

	// NotifyShutdown announces that the server is going down.
	NotifyShutdown NotificationKind = 2
)

// String returns the notification kind name.
func (k NotificationKind) String() string {
	switch k {
	case NotifyDataChange:
		return "DataChange"
	case NotifyShutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}
