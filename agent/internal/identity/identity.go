package identity

import (
	"log/slog"
	"math/rand"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/obsidianstack/emitter/agent/internal/atomicfile"

	"github.com/obsidianstack/emitter/pkg/types"
)

// Manager hands out the session Identity. The fingerprint is loaded from, or
// created in, a small file so restarts keep it; the machine id comes from a
// hardware address. Both are resolved on the first call and then reused.
//
// Safe for concurrent use.
type Manager struct {
	path string

	once sync.Once
	id   types.Identity

	// injectable for tests
	newFingerprint func() string
	machineID      func() int64
}

// New returns a Manager that persists the fingerprint at path.
func New(path string) *Manager {
	return &Manager{
		path:           path,
		newFingerprint: uuid.NewString,
		machineID:      MachineID,
	}
}

// Identity returns the session identity, loading it on first use.
// Failures to read or write the fingerprint file degrade to an in-memory
// fingerprint and are never fatal.
func (m *Manager) Identity() types.Identity {
	m.once.Do(func() {
		m.id = types.Identity{
			Fingerprint: m.loadFingerprint(),
			Machine:     m.machineID(),
		}
	})
	return m.id
}

func (m *Manager) loadFingerprint() string {
	if data, err := os.ReadFile(m.path); err == nil {
		if fp := strings.TrimSpace(string(data)); fp != "" {
			return fp
		}
	}

	fp := m.newFingerprint()
	if err := atomicfile.Write(m.path, []byte(fp), 0o600); err != nil {
		slog.Error("identity: could not persist fingerprint, using ephemeral one",
			"path", m.path, "err", err)
	}
	return fp
}

// MachineID returns a 48-bit identifier derived from this host's hardware
// address, computed once per process.
var MachineID = sync.OnceValue(func() int64 {
	return machineIDFrom(net.Interfaces)
})

// machineIDFrom picks eth0 if present, otherwise the first non-loopback
// interface with a 6-byte address. Without one it falls back to a random
// value with the multicast bit set, as RFC 4122 section 4.5 suggests for
// node ids that are not real hardware addresses.
func machineIDFrom(list func() ([]net.Interface, error)) int64 {
	ifaces, err := list()
	if err != nil {
		slog.Warn("identity: could not list network interfaces, using random machine id", "err", err)
		return fakeMachineID()
	}

	var chosen net.HardwareAddr
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) != 6 {
			continue
		}
		if chosen == nil || iface.Name == "eth0" {
			chosen = iface.HardwareAddr
			slog.Debug("identity: using hardware address", "interface", iface.Name)
		}
	}
	if chosen == nil {
		slog.Warn("identity: no hardware address found, using random machine id")
		return fakeMachineID()
	}
	return hardwareToInt(chosen)
}

func hardwareToInt(hw net.HardwareAddr) int64 {
	var n int64
	for _, b := range hw[:6] {
		n = n<<8 | int64(b)
	}
	return n
}

func fakeMachineID() int64 {
	return int64(rand.Uint32()) | //nolint:gosec // not crypto
		int64(rand.Intn(1<<16))<<32 | //nolint:gosec // not crypto
		1<<40
}
