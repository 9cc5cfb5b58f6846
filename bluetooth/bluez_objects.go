package bluetooth

import (
	"strings"

	"github.com/godbus/dbus/v5"
)

// managedObjects is the reply shape of ObjectManager.GetManagedObjects.
type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// adapterPathFor converts an adapter name like "hci0" to its object path.
func adapterPathFor(name string) dbus.ObjectPath {
	if strings.HasPrefix(name, "/") {
		return dbus.ObjectPath(name)
	}
	return dbus.ObjectPath(BLUEZ_OBJECT_PATH + "/" + name)
}

// addressFromPath extracts a MAC address from a BlueZ device object path.
func addressFromPath(path dbus.ObjectPath) string {
	s := string(path)
	i := strings.LastIndex(s, "/dev_")
	if i < 0 {
		return ""
	}
	rest := s[i+len("/dev_"):]
	if j := strings.Index(rest, "/"); j >= 0 {
		rest = rest[:j]
	}
	return strings.ReplaceAll(rest, "_", ":")
}

func isChildOf(path, parent dbus.ObjectPath) bool {
	return strings.HasPrefix(string(path), string(parent)+"/")
}

func stringProp(props map[string]dbus.Variant, name string) string {
	if v, ok := props[name]; ok {
		if s, ok := v.Value().(string); ok {
			return s
		}
	}
	return ""
}

func boolProp(props map[string]dbus.Variant, name string) (bool, bool) {
	if v, ok := props[name]; ok {
		if b, ok := v.Value().(bool); ok {
			return b, true
		}
	}
	return false, false
}

func pathProp(props map[string]dbus.Variant, name string) dbus.ObjectPath {
	if v, ok := props[name]; ok {
		if p, ok := v.Value().(dbus.ObjectPath); ok {
			return p
		}
	}
	return ""
}

func stringsProp(props map[string]dbus.Variant, name string) []string {
	if v, ok := props[name]; ok {
		if s, ok := v.Value().([]string); ok {
			return s
		}
	}
	return nil
}

// peerFromProperties builds a Peer from org.bluez.Device1 properties.
func peerFromProperties(path dbus.ObjectPath, props map[string]dbus.Variant) Peer {
	p := Peer{
		ID:       string(path),
		Address:  stringProp(props, "Address"),
		Name:     stringProp(props, "Name"),
		Services: parseUUIDs(stringsProp(props, "UUIDs")),
	}
	if p.Address == "" {
		p.Address = addressFromPath(path)
	}
	if v, ok := props["RSSI"]; ok {
		if rssi, ok := v.Value().(int16); ok {
			p.RSSI = rssi
		}
	}
	return p
}

// servicesOf lists the GATT services resolved under devicePath, filtered by
// uuid unless it is NilUUID.
func servicesOf(objects managedObjects, devicePath dbus.ObjectPath, filter UUID) []Service {
	var out []Service
	for path, ifaces := range objects {
		props, ok := ifaces[BLUEZ_GATT_SERVICE_INTERFACE]
		if !ok {
			continue
		}
		owner := pathProp(props, "Device")
		if owner == "" && isChildOf(path, devicePath) {
			owner = devicePath
		}
		if owner != devicePath {
			continue
		}
		u, err := ParseUUID(stringProp(props, "UUID"))
		if err != nil {
			continue
		}
		if filter != NilUUID && u != filter {
			continue
		}
		out = append(out, Service{ID: string(path), PeerID: string(devicePath), UUID: u})
	}
	return out
}

// characteristicsOf lists the characteristics resolved under servicePath,
// filtered by uuid unless it is NilUUID.
func characteristicsOf(objects managedObjects, servicePath dbus.ObjectPath, filter UUID) []Characteristic {
	var out []Characteristic
	for path, ifaces := range objects {
		props, ok := ifaces[BLUEZ_GATT_CHAR_INTERFACE]
		if !ok {
			continue
		}
		owner := pathProp(props, "Service")
		if owner == "" && isChildOf(path, servicePath) {
			owner = servicePath
		}
		if owner != servicePath {
			continue
		}
		u, err := ParseUUID(stringProp(props, "UUID"))
		if err != nil {
			continue
		}
		if filter != NilUUID && u != filter {
			continue
		}
		out = append(out, Characteristic{
			ID:        string(path),
			ServiceID: string(servicePath),
			UUID:      u,
			Flags:     stringsProp(props, "Flags"),
		})
	}
	return out
}

// propertiesChanged unpacks a PropertiesChanged signal body:
// [interface_name string, changed_props map[string]Variant, invalidated []string].
func propertiesChanged(sig *dbus.Signal) (string, map[string]dbus.Variant, bool) {
	if sig == nil || sig.Name != DBUS_PROPERTIES_CHANGED_SIGNAL || len(sig.Body) < 2 {
		return "", nil, false
	}
	iface, ok := sig.Body[0].(string)
	if !ok {
		return "", nil, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return "", nil, false
	}
	return iface, changed, true
}

// interfacesAdded unpacks an InterfacesAdded signal body:
// [object_path ObjectPath, interfaces map[string]map[string]Variant].
func interfacesAdded(sig *dbus.Signal) (dbus.ObjectPath, map[string]map[string]dbus.Variant, bool) {
	if sig == nil || sig.Name != DBUS_INTERFACES_ADDED_SIGNAL || len(sig.Body) < 2 {
		return "", nil, false
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return "", nil, false
	}
	ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
	if !ok {
		return "", nil, false
	}
	return path, ifaces, true
}

func adapterStateFromPowered(powered bool) AdapterState {
	if powered {
		return AdapterPoweredOn
	}
	return AdapterPoweredOff
}
