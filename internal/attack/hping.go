package attack

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"time"

	"github.com/iotbench/floodctl/internal/model"
	"github.com/iotbench/floodctl/internal/proc"
)

// hping3 sends at full rate; -i u1000 keeps port floods at one packet per
// millisecond so the capture stays readable.
const floodInterval = "u1000"

// startupSlack bounds the process beyond the experiment duration; the
// executor's own timer fires first on the happy path.
const startupSlack = 10 * time.Second

func init() {
	Register(model.KindSYN, hpingFactory(model.KindSYN, synArgs))
	Register(model.KindUDP, hpingFactory(model.KindUDP, udpArgs))
	Register(model.KindICMP, hpingFactory(model.KindICMP, icmpArgs))
	Register(model.KindACK, hpingFactory(model.KindACK, ackArgs))
	Register(model.KindFrag, hpingFactory(model.KindFrag, fragArgs))
}

type hpingDriver struct {
	kind   model.JobKind
	tool   string
	args   func(Spec) []string
	runner *proc.Runner
}

func hpingFactory(kind model.JobKind, args func(Spec) []string) Factory {
	return func(tool string) Driver {
		if tool == "" {
			tool = "hping3"
		}
		return &hpingDriver{
			kind:   kind,
			tool:   tool,
			args:   args,
			runner: proc.NewRunner(),
		}
	}
}

func (d *hpingDriver) Kind() model.JobKind { return d.kind }

func (d *hpingDriver) Available() error {
	if _, err := exec.LookPath(d.tool); err != nil {
		return fmt.Errorf("%w: %s: %v", model.ErrToolUnavailable, d.tool, err)
	}
	return nil
}

func (d *hpingDriver) Start(ctx context.Context, spec Spec, progress proc.StderrFunc) error {
	if spec.Port == 0 {
		spec.Port = DefaultPort
	}
	if spec.SourceAddr == "" {
		spec.SourceAddr = interfaceAddr(spec.Interface)
	}
	cmd := proc.Command{
		Path:    d.tool,
		Args:    d.args(spec),
		Timeout: spec.Duration + startupSlack,
	}
	if err := d.runner.Start(ctx, cmd, progress); err != nil {
		return fmt.Errorf("%w: starting %s: %v", model.ErrProcessFailure, d.tool, err)
	}
	return nil
}

func (d *hpingDriver) Stop(grace time.Duration) error {
	return d.runner.Stop(grace)
}

func (d *hpingDriver) Results() <-chan proc.Result {
	return d.runner.ResultsChan()
}

func (d *hpingDriver) Close() {
	d.runner.Close()
}

func synArgs(s Spec) []string {
	return []string{
		"-S", "-I", s.Interface,
		"-a", s.SourceAddr, "-p", strconv.Itoa(s.Port),
		"-i", floodInterval, "--flood", s.Target,
	}
}

func udpArgs(s Spec) []string {
	return []string{
		"--udp", "-I", s.Interface,
		"-a", s.SourceAddr, "-p", strconv.Itoa(s.Port),
		"-i", floodInterval, "--flood", s.Target,
	}
}

func icmpArgs(s Spec) []string {
	return []string{
		"--icmp", "-a", s.SourceAddr,
		"--flood", s.Target,
	}
}

func ackArgs(s Spec) []string {
	return []string{
		"-A", "-I", s.Interface,
		"-a", s.SourceAddr, "-p", strconv.Itoa(s.Port),
		"-i", floodInterval, "--flood", s.Target,
	}
}

func fragArgs(s Spec) []string {
	return []string{
		"-f", "-I", s.Interface,
		"-a", s.SourceAddr, "-p", strconv.Itoa(s.Port),
		"--flood", s.Target,
	}
}

// interfaceAddr returns the first global unicast IPv4 address of iface,
// falling back to 0.0.0.0 when the interface is "any" or has none. With
// the fallback the flood simply carries an unspoofed source.
func interfaceAddr(iface string) string {
	const fallback = "0.0.0.0"
	if iface == "" || iface == "any" {
		return fallback
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return fallback
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return fallback
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP.To4()
		if ip != nil && ip.IsGlobalUnicast() {
			return ip.String()
		}
	}
	return fallback
}
