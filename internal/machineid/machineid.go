// Package machineid derives the stable per-host identifier used for
// first-contact identification with the controller (spec §4.L).
package machineid

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
)

const length = 32

// Derive computes SHA256(hostname:platform:arch:cpu_model:mac), hex-encoded
// and truncated to length characters. It is meant to be called once and the
// result cached by the caller (the Config Store persists it as machine_id).
func Derive(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return "", err
	}

	model := firstCPUModel(ctx)
	mac := firstUsableMAC()

	raw := strings.Join([]string{
		strings.TrimSpace(info.Hostname),
		info.Platform,
		info.KernelArch,
		model,
		mac,
	}, ":")

	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:length], nil
}

func firstCPUModel(ctx context.Context) string {
	infos, err := cpu.InfoWithContext(ctx)
	if err != nil || len(infos) == 0 {
		return "unknown"
	}
	return infos[0].ModelName
}

// firstUsableMAC returns the first non-internal, non-zero hardware address
// among the host's network interfaces, or "" if none is found.
func firstUsableMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		if isZeroMAC(iface.HardwareAddr) {
			continue
		}
		return iface.HardwareAddr.String()
	}
	return ""
}

func isZeroMAC(mac net.HardwareAddr) bool {
	for _, b := range mac {
		if b != 0 {
			return false
		}
	}
	return true
}
