// Package control is a small administrative RPC layer used only by
// cmd/vrrpd to let the `vrrpctl`-style subcommands talk to a running
// daemon. No example repo in the retrieval pack shows an admin RPC
// layer for this problem domain, so this package is built on the
// standard library (net, encoding/gob) rather than a third-party
// framework — see DESIGN.md.
package control

import (
	"encoding/gob"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/go-vrrp/vrrpd/pkg/vrrp"
)

// Command is one administrative request, covering every operation in
// spec.md §6's admin surface. Not every field applies to every Op;
// unused fields are left zero.
type Command struct {
	Op string

	Ifname  string
	Vifname string
	VRID    uint8

	Priority    uint8
	IntervalSec int
	Preempt     bool
	Disable     bool
	IP          string
	PrefixLen   int
}

// Response carries the result of one Command.
type Response struct {
	Err string

	State  string
	Master string
	VRIDs  []uint8
	Ifs    []string
	Vifs   []string
}

func (r Response) Error() error {
	if r.Err == "" {
		return nil
	}
	return fmt.Errorf("%s", r.Err)
}

// Server dispatches Commands received over a Unix domain socket to a
// vrrp.Target.
type Server struct {
	target *vrrp.Target
	ln     net.Listener
}

// NewServer creates a Server bound to target.
func NewServer(target *vrrp.Target) *Server {
	return &Server{target: target}
}

// ListenAndServe listens on socketPath (removing any stale socket file
// first) and serves Commands until the listener is closed.
func (s *Server) ListenAndServe(socketPath string) error {
	_ = os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("control: listen on %s: %w", socketPath, err)
	}
	s.ln = ln
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handle(conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	dec := gob.NewDecoder(conn)
	enc := gob.NewEncoder(conn)

	var cmd Command
	if err := dec.Decode(&cmd); err != nil {
		return
	}
	_ = enc.Encode(s.dispatch(cmd))
}

func (s *Server) dispatch(cmd Command) Response {
	switch cmd.Op {
	case "add_vrid":
		_, err := s.target.AddVRID(cmd.Ifname, cmd.Vifname, cmd.VRID, cmd.Priority,
			time.Duration(cmd.IntervalSec)*time.Second, cmd.Preempt)
		return errResponse(err)
	case "delete_vrid":
		return errResponse(s.target.DeleteVRID(cmd.Ifname, cmd.Vifname, cmd.VRID))
	case "set_priority":
		return errResponse(s.target.SetPriority(cmd.Ifname, cmd.Vifname, cmd.VRID, cmd.Priority))
	case "set_interval":
		return errResponse(s.target.SetInterval(cmd.Ifname, cmd.Vifname, cmd.VRID, time.Duration(cmd.IntervalSec)*time.Second))
	case "set_preempt":
		return errResponse(s.target.SetPreempt(cmd.Ifname, cmd.Vifname, cmd.VRID, cmd.Preempt))
	case "set_disable":
		return errResponse(s.target.SetDisable(cmd.Ifname, cmd.Vifname, cmd.VRID, cmd.Disable))
	case "add_ip":
		ip := net.ParseIP(cmd.IP)
		if ip == nil {
			return Response{Err: fmt.Sprintf("control: invalid IP %q", cmd.IP)}
		}
		return errResponse(s.target.AddIP(cmd.Ifname, cmd.Vifname, cmd.VRID, ip))
	case "delete_ip":
		ip := net.ParseIP(cmd.IP)
		if ip == nil {
			return Response{Err: fmt.Sprintf("control: invalid IP %q", cmd.IP)}
		}
		return errResponse(s.target.DeleteIP(cmd.Ifname, cmd.Vifname, cmd.VRID, ip))
	case "set_prefix":
		ip := net.ParseIP(cmd.IP)
		if ip == nil {
			return Response{Err: fmt.Sprintf("control: invalid IP %q", cmd.IP)}
		}
		return errResponse(s.target.SetPrefix(cmd.Ifname, cmd.Vifname, cmd.VRID, ip, cmd.PrefixLen))
	case "get_vrid_info":
		state, master, err := s.target.GetVRIDInfo(cmd.Ifname, cmd.Vifname, cmd.VRID)
		if err != nil {
			return errResponse(err)
		}
		masterStr := ""
		if master != nil {
			masterStr = master.String()
		}
		return Response{State: state, Master: masterStr}
	case "get_vrids":
		vrids, err := s.target.GetVRIDs(cmd.Ifname, cmd.Vifname)
		if err != nil {
			return errResponse(err)
		}
		return Response{VRIDs: vrids}
	case "get_ifs":
		return Response{Ifs: s.target.GetIfs()}
	case "get_vifs":
		return Response{Vifs: s.target.GetVifs(cmd.Ifname)}
	default:
		return Response{Err: fmt.Sprintf("control: unknown operation %q", cmd.Op)}
	}
}

func errResponse(err error) Response {
	if err != nil {
		return Response{Err: err.Error()}
	}
	return Response{}
}

// Client sends Commands to a Server over a Unix domain socket.
type Client struct {
	socketPath string
}

// NewClient creates a Client that dials socketPath fresh for every
// Do call, keeping the admin CLI simple (it issues exactly one
// command per invocation).
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Do sends cmd and returns the daemon's Response.
func (c *Client) Do(cmd Command) (Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, 2*time.Second)
	if err != nil {
		return Response{}, fmt.Errorf("control: dial %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	if err := gob.NewEncoder(conn).Encode(cmd); err != nil {
		return Response{}, fmt.Errorf("control: encode command: %w", err)
	}
	var resp Response
	if err := gob.NewDecoder(conn).Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("control: decode response: %w", err)
	}
	return resp, resp.Error()
}
