package bluetooth

import "time"

// BlueZ D-Bus names
const (
	BLUEZ_BUS_NAME                 = "org.bluez"
	BLUEZ_OBJECT_PATH              = "/org/bluez"
	BLUEZ_ADAPTER_INTERFACE        = "org.bluez.Adapter1"
	BLUEZ_DEVICE_INTERFACE         = "org.bluez.Device1"
	BLUEZ_GATT_SERVICE_INTERFACE   = "org.bluez.GattService1"
	BLUEZ_GATT_CHAR_INTERFACE      = "org.bluez.GattCharacteristic1"
	DBUS_PROPERTIES_INTERFACE      = "org.freedesktop.DBus.Properties"
	DBUS_OBJECT_MANAGER_INTERFACE  = "org.freedesktop.DBus.ObjectManager"
	DBUS_PROPERTIES_CHANGED_SIGNAL = DBUS_PROPERTIES_INTERFACE + ".PropertiesChanged"
	DBUS_INTERFACES_ADDED_SIGNAL   = DBUS_OBJECT_MANAGER_INTERFACE + ".InterfacesAdded"
	DEFAULT_ADAPTER_NAME           = "hci0"
)

// Channel identity (must match the peripheral firmware)
const (
	DefaultServiceUUIDString        = "1234ABCD-0000-0000-0000-000000000000"
	DefaultCharacteristicUUIDString = "5678ABCD-0000-0000-0000-000000000000"
)

const (
	// DefaultStepTimeout bounds each connect/discover/subscribe step.
	DefaultStepTimeout = 10 * time.Second

	// ServicesResolvedTimeout is how long BlueZ gets to resolve GATT services after connect.
	ServicesResolvedTimeout = 8 * time.Second
	servicesResolvedPoll    = 250 * time.Millisecond

	eventBufferSize = 64
)
