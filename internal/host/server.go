package host

import (
	"context"
	"strconv"
	"strings"

	"github.com/1ureka/adbwire/internal/adberr"
	"github.com/1ureka/adbwire/internal/filesync"
	"github.com/1ureka/adbwire/internal/pkglist"
	"github.com/1ureka/adbwire/internal/util"
)

// DeviceInfo is one line of host:devices-l.
type DeviceInfo struct {
	Serial      string `json:"serial"`
	State       string `json:"state"`
	Product     string `json:"product,omitempty"`
	Model       string `json:"model,omitempty"`
	Device      string `json:"device,omitempty"`
	TransportID int64  `json:"transportId,omitempty"`
}

// Server issues commands to one ADB server. Every command runs on its own
// connection, so several Servers (or several commands) can coexist.
type Server struct {
	addr string
}

// NewServer returns a Server for addr, e.g. "tcp://127.0.0.1:5037".
func NewServer(addr string) *Server {
	return &Server{addr: addr}
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) request(ctx context.Context, verb string, withBody bool) ([]byte, error) {
	c, err := Dial(s.addr)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	return c.Request(ctx, verb, true, withBody)
}

// Version returns the server's internal protocol version.
func (s *Server) Version(ctx context.Context) (int, error) {
	body, err := s.request(ctx, "host:version", true)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(string(body), 16, 32)
	if err != nil {
		return 0, adberr.Conversionf(err, "version %q", body)
	}
	return int(v), nil
}

// Devices lists the devices the server knows about.
func (s *Server) Devices(ctx context.Context) ([]DeviceInfo, error) {
	body, err := s.request(ctx, "host:devices-l", true)
	if err != nil {
		return nil, err
	}
	return parseDevices(string(body)), nil
}

func parseDevices(body string) []DeviceInfo {
	var devices []DeviceInfo
	for _, line := range strings.Split(body, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		d := DeviceInfo{Serial: fields[0], State: fields[1]}
		rest := fields[2:]
		// "no permissions (...)" spans several fields.
		if d.State == "no" && len(rest) > 0 && rest[0] == "permissions" {
			d.State = "no permissions"
			rest = rest[1:]
		}
		for _, f := range rest {
			key, value, ok := strings.Cut(f, ":")
			if !ok {
				continue
			}
			switch key {
			case "product":
				d.Product = value
			case "model":
				d.Model = value
			case "device":
				d.Device = value
			case "transport_id":
				d.TransportID, _ = strconv.ParseInt(value, 10, 64)
			}
		}
		devices = append(devices, d)
	}
	return devices
}

// Kill asks the server to exit.
func (s *Server) Kill(ctx context.Context) error {
	_, err := s.request(ctx, "host:kill", false)
	return err
}

func transportVerb(serial string) string {
	if serial == "" {
		return "host:transport-any"
	}
	return "host:transport:" + serial
}

// TransportTo opens a fresh connection switched to the given device; an
// empty serial selects the only attached device. The returned Conn is ready
// for a device service verb.
func (s *Server) TransportTo(ctx context.Context, serial string) (*Conn, error) {
	c, err := Dial(s.addr)
	if err != nil {
		return nil, err
	}
	if err := c.SendRequest(ctx, transportVerb(serial), true); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (s *Server) service(ctx context.Context, serial, verb string) ([]byte, error) {
	c, err := s.TransportTo(ctx, serial)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	if err := c.SendRequest(ctx, verb, false); err != nil {
		return nil, err
	}
	return c.ReadAll()
}

// Exec runs cmd through exec:, which keeps stdout binary-clean.
func (s *Server) Exec(ctx context.Context, serial, cmd string) ([]byte, error) {
	return s.service(ctx, serial, "exec:"+cmd)
}

// Shell runs cmd through shell:.
func (s *Server) Shell(ctx context.Context, serial, cmd string) ([]byte, error) {
	return s.service(ctx, serial, "shell:"+cmd)
}

// Sync switches a fresh device connection into sync mode. Close the engine
// when done; that sends QUIT and closes the connection.
func (s *Server) Sync(ctx context.Context, serial string) (*filesync.Engine, error) {
	c, err := s.TransportTo(ctx, serial)
	if err != nil {
		return nil, err
	}
	if err := c.SendRequest(ctx, "sync:", false); err != nil {
		c.Close()
		return nil, err
	}
	return filesync.New(c), nil
}

// CurrentUser resolves the foreground user id.
func (s *Server) CurrentUser(ctx context.Context, serial string) (int, error) {
	out, err := s.Exec(ctx, serial, "am get-current-user")
	if err != nil {
		return 0, err
	}
	return pkglist.ParseUserID(string(out))
}

func (s *Server) resolver(ctx context.Context, serial string) pkglist.Resolver {
	return func() (int, error) { return s.CurrentUser(ctx, serial) }
}

// ListPackages runs the package-list command over exec:.
func (s *Server) ListPackages(ctx context.Context, serial string, typ pkglist.Type) ([]pkglist.Package, error) {
	cmd, err := typ.Command(s.resolver(ctx, serial))
	if err != nil {
		return nil, err
	}
	util.LogDebug("listing packages on %q: %s", serial, cmd)
	out, err := s.Exec(ctx, serial, cmd)
	if err != nil {
		return nil, err
	}
	return pkglist.Parse(string(out))
}

// ListPackagesSync lists packages through the sync engine's LIST exchange.
func (s *Server) ListPackagesSync(ctx context.Context, serial string, typ pkglist.Type) ([]pkglist.Package, error) {
	// Resolve before entering sync mode; the resolver needs its own connection.
	cmd, err := typ.Command(s.resolver(ctx, serial))
	if err != nil {
		return nil, err
	}
	eng, err := s.Sync(ctx, serial)
	if err != nil {
		return nil, err
	}
	defer eng.Close()
	return eng.ListPackagesCommand(cmd)
}
