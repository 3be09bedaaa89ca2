package hardware

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"
)

var errNotFound = errors.New("identifier not found")

// probeTimeout bounds each external command.
const probeTimeout = 5 * time.Second

func defaultProbes() map[Component]Probe {
	probes := map[Component]Probe{
		MAC: primaryMAC,
	}

	switch runtime.GOOS {
	case "linux":
		probes[CPU] = linuxCPU
		probes[BIOS] = sysfsValue("/sys/class/dmi/id/product_serial", "/sys/class/dmi/id/product_uuid")
		probes[Disk] = linuxDisk
		probes[Board] = sysfsValue("/sys/class/dmi/id/board_serial")
	case "windows":
		probes[CPU] = wmicValue("cpu", "ProcessorId")
		probes[BIOS] = wmicValue("bios", "SerialNumber")
		probes[Disk] = wmicValue("diskdrive", "SerialNumber")
		probes[Board] = wmicValue("baseboard", "SerialNumber")
	case "darwin":
		probes[CPU] = commandOutput("sysctl", "-n", "machdep.cpu.brand_string")
		probes[BIOS] = ioregValue("IOPlatformSerialNumber")
		probes[Disk] = darwinDisk
		probes[Board] = ioregValue("IOPlatformUUID")
	}

	return probes
}

// primaryMAC picks the first up, non-loopback interface by name, falling back
// to any interface with a hardware address.
func primaryMAC(context.Context) (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("list network interfaces: %w", err)
	}
	sort.Slice(ifaces, func(i, j int) bool { return ifaces[i].Name < ifaces[j].Name })

	usable := func(iface net.Interface) bool {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			return false
		}
		return !allZero(iface.HardwareAddr.String())
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp != 0 && usable(iface) {
			return iface.HardwareAddr.String(), nil
		}
	}
	for _, iface := range ifaces {
		if usable(iface) {
			return iface.HardwareAddr.String(), nil
		}
	}
	return "", errNotFound
}

// sysfsValue returns the first readable, non-empty file among paths.
func sysfsValue(paths ...string) Probe {
	return func(context.Context) (string, error) {
		for _, p := range paths {
			data, err := os.ReadFile(p)
			if err != nil {
				continue
			}
			if v := strings.TrimSpace(string(data)); v != "" {
				return v, nil
			}
		}
		return "", errNotFound
	}
}

func linuxCPU(context.Context) (string, error) {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return "", fmt.Errorf("open cpuinfo: %w", err)
	}
	defer f.Close()
	return parseCPUInfo(f)
}

// parseCPUInfo builds a CPU identity from the first processor block. ARM
// boards expose a Serial line; x86 only has model identity fields.
func parseCPUInfo(r io.Reader) (string, error) {
	wanted := []string{"vendor_id", "cpu family", "model", "model name", "stepping", "Serial"}
	found := make(map[string]string)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" && len(found) > 0 {
			break
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if _, dup := found[key]; !dup {
			found[key] = strings.TrimSpace(value)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}

	if serial := found["Serial"]; serial != "" && !allZero(serial) {
		return serial, nil
	}

	var parts []string
	for _, k := range wanted[:5] {
		if v := found[k]; v != "" {
			parts = append(parts, v)
		}
	}
	if len(parts) == 0 {
		return "", errNotFound
	}
	return strings.Join(parts, "|"), nil
}

// linuxDisk reads the serial of the first physical block device.
func linuxDisk(context.Context) (string, error) {
	entries, err := os.ReadDir("/sys/block")
	if err != nil {
		return "", fmt.Errorf("read /sys/block: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "loop") || strings.HasPrefix(name, "ram") ||
			strings.HasPrefix(name, "dm-") || strings.HasPrefix(name, "zram") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		base := filepath.Join("/sys/block", name, "device")
		if v, err := sysfsValue(filepath.Join(base, "serial"), filepath.Join(base, "wwid"))(context.Background()); err == nil {
			return v, nil
		}
	}
	return "", errNotFound
}

func commandOutput(name string, args ...string) Probe {
	return func(ctx context.Context) (string, error) {
		ctx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()
		out, err := exec.CommandContext(ctx, name, args...).Output()
		if err != nil {
			return "", fmt.Errorf("%s: %w", name, err)
		}
		v := strings.TrimSpace(string(out))
		if v == "" {
			return "", errNotFound
		}
		return v, nil
	}
}

// wmicValue runs `wmic <class> get <key> /format:list` and extracts key=value.
func wmicValue(class, key string) Probe {
	run := commandOutput("wmic", class, "get", key, "/format:list")
	return func(ctx context.Context) (string, error) {
		out, err := run(ctx)
		if err != nil {
			return "", err
		}
		if v := extractValue(out, key, "="); v != "" {
			return v, nil
		}
		return "", errNotFound
	}
}

// ioregValue reads a quoted property from IOPlatformExpertDevice.
func ioregValue(key string) Probe {
	run := commandOutput("ioreg", "-rd1", "-c", "IOPlatformExpertDevice")
	return func(ctx context.Context) (string, error) {
		out, err := run(ctx)
		if err != nil {
			return "", err
		}
		if v := extractValue(out, `"`+key+`"`, "="); v != "" {
			return strings.Trim(v, `"`), nil
		}
		return "", errNotFound
	}
}

func darwinDisk(ctx context.Context) (string, error) {
	for _, dataType := range []string{"SPNVMeDataType", "SPSerialATADataType"} {
		out, err := commandOutput("system_profiler", dataType)(ctx)
		if err != nil {
			continue
		}
		if v := extractValue(out, "Serial Number", ":"); v != "" {
			return v, nil
		}
	}
	return "", errNotFound
}

// extractValue returns the value after sep on the first line containing key.
func extractValue(output, key, sep string) string {
	for _, line := range strings.Split(output, "\n") {
		idx := strings.Index(line, key)
		if idx < 0 {
			continue
		}
		_, value, ok := strings.Cut(line[idx+len(key):], sep)
		if !ok {
			continue
		}
		if v := strings.TrimSpace(value); v != "" {
			return v
		}
	}
	return ""
}
