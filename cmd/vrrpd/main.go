// Command vrrpd runs the VRRPv2 engine for one host, standalone,
// without the XORP router-manager/XRL machinery spec.md §1 places out
// of scope. Grounded on the teacher's main.go (kingpin command
// structure), extended with the admin surface of spec.md §6 exposed as
// `vrrpctl`-style subcommands talking to a running daemon over
// internal/control.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/golang/glog"

	"github.com/go-vrrp/vrrpd/internal/control"
	"github.com/go-vrrp/vrrpd/internal/eventloop"
	"github.com/go-vrrp/vrrpd/pkg/vrrp"
)

const version = "0.2.0"

var (
	app = kingpin.New("vrrpd", "VRRPv2 virtual router redundancy daemon")

	defaultSocket = "/var/run/vrrpd.sock"
	socketFlag    = app.Flag("socket", "admin control socket path").Default(defaultSocket).String()

	runCmd      = app.Command("run", "run the VRRP daemon")
	runIface    = runCmd.Flag("interface", "physical interface to bind").Short('i').Required().String()
	runVRID     = runCmd.Flag("vrid", "virtual router id (1-255)").Short('r').Required().Uint8()
	runPriority = runCmd.Flag("priority", "router priority (1-254; 255 is derived for owners)").Short('p').Default("100").Uint8()
	runVIPs     = runCmd.Flag("vips", "comma-separated virtual IPv4 addresses").Short('v').Required().String()
	runInterval = runCmd.Flag("advert-int", "advertisement interval in seconds").Default("1").Int()
	runPreempt  = runCmd.Flag("preempt", "enable preemption").Default("true").Bool()

	addVridCmd      = app.Command("add-vrid", "register an additional VRID on a running daemon")
	addVridIface    = addVridCmd.Flag("interface", "physical interface").Short('i').Required().String()
	addVridVRID     = addVridCmd.Flag("vrid", "virtual router id").Short('r').Required().Uint8()
	addVridPriority = addVridCmd.Flag("priority", "priority (1-254)").Short('p').Default("100").Uint8()
	addVridInterval = addVridCmd.Flag("advert-int", "advertisement interval in seconds").Default("1").Int()
	addVridPreempt  = addVridCmd.Flag("preempt", "enable preemption").Default("true").Bool()

	deleteVridCmd   = app.Command("delete-vrid", "remove a VRID from a running daemon")
	delVridIface    = deleteVridCmd.Flag("interface", "physical interface").Short('i').Required().String()
	delVridVRID     = deleteVridCmd.Flag("vrid", "virtual router id").Short('r').Required().Uint8()

	setPriorityCmd      = app.Command("set-priority", "change a VRID's configured priority")
	setPriorityIface    = setPriorityCmd.Flag("interface", "physical interface").Short('i').Required().String()
	setPriorityVRID     = setPriorityCmd.Flag("vrid", "virtual router id").Short('r').Required().Uint8()
	setPriorityValue    = setPriorityCmd.Arg("priority", "new priority (1-254)").Required().Uint8()

	setPreemptCmd   = app.Command("set-preempt", "toggle a VRID's preempt flag")
	setPreemptIface = setPreemptCmd.Flag("interface", "physical interface").Short('i').Required().String()
	setPreemptVRID  = setPreemptCmd.Flag("vrid", "virtual router id").Short('r').Required().Uint8()
	setPreemptValue = setPreemptCmd.Arg("preempt", "true or false").Required().Bool()

	setDisableCmd   = app.Command("set-disable", "administratively enable or disable a VRID")
	setDisableIface = setDisableCmd.Flag("interface", "physical interface").Short('i').Required().String()
	setDisableVRID  = setDisableCmd.Flag("vrid", "virtual router id").Short('r').Required().Uint8()
	setDisableValue = setDisableCmd.Arg("disable", "true or false").Required().Bool()

	addIPCmd   = app.Command("add-ip", "add a virtual IP to a VRID")
	addIPIface = addIPCmd.Flag("interface", "physical interface").Short('i').Required().String()
	addIPVRID  = addIPCmd.Flag("vrid", "virtual router id").Short('r').Required().Uint8()
	addIPValue = addIPCmd.Arg("ip", "virtual IPv4 address").Required().String()

	deleteIPCmd   = app.Command("delete-ip", "remove a virtual IP from a VRID")
	delIPIface    = deleteIPCmd.Flag("interface", "physical interface").Short('i').Required().String()
	delIPVRID     = deleteIPCmd.Flag("vrid", "virtual router id").Short('r').Required().Uint8()
	delIPValue    = deleteIPCmd.Arg("ip", "virtual IPv4 address").Required().String()

	infoCmd   = app.Command("info", "show one VRID's state and master address")
	infoIface = infoCmd.Flag("interface", "physical interface").Short('i').Required().String()
	infoVRID  = infoCmd.Flag("vrid", "virtual router id").Short('r').Required().Uint8()

	vridsCmd  = app.Command("vrids", "list VRIDs configured on an interface")
	vridIface = vridsCmd.Flag("interface", "physical interface").Short('i').Required().String()

	ifsCmd  = app.Command("ifs", "list interfaces known to the daemon")
	vifsCmd = app.Command("vifs", "list vifs on an interface")
	vifsIface = vifsCmd.Flag("interface", "physical interface").Short('i').Required().String()

	versionCmd = app.Command("version", "print version information")
)

func main() {
	app.HelpFlag.Short('h')
	app.Version(version)

	switch kingpin.MustParse(app.Parse(os.Args[1:])) {
	case runCmd.FullCommand():
		runDaemon()
	case addVridCmd.FullCommand():
		adminCall(control.Command{
			Op: "add_vrid", Ifname: *addVridIface, Vifname: *addVridIface, VRID: *addVridVRID,
			Priority: *addVridPriority, IntervalSec: *addVridInterval, Preempt: *addVridPreempt,
		})
	case deleteVridCmd.FullCommand():
		adminCall(control.Command{Op: "delete_vrid", Ifname: *delVridIface, Vifname: *delVridIface, VRID: *delVridVRID})
	case setPriorityCmd.FullCommand():
		adminCall(control.Command{Op: "set_priority", Ifname: *setPriorityIface, Vifname: *setPriorityIface, VRID: *setPriorityVRID, Priority: *setPriorityValue})
	case setPreemptCmd.FullCommand():
		adminCall(control.Command{Op: "set_preempt", Ifname: *setPreemptIface, Vifname: *setPreemptIface, VRID: *setPreemptVRID, Preempt: *setPreemptValue})
	case setDisableCmd.FullCommand():
		adminCall(control.Command{Op: "set_disable", Ifname: *setDisableIface, Vifname: *setDisableIface, VRID: *setDisableVRID, Disable: *setDisableValue})
	case addIPCmd.FullCommand():
		adminCall(control.Command{Op: "add_ip", Ifname: *addIPIface, Vifname: *addIPIface, VRID: *addIPVRID, IP: *addIPValue})
	case deleteIPCmd.FullCommand():
		adminCall(control.Command{Op: "delete_ip", Ifname: *delIPIface, Vifname: *delIPIface, VRID: *delIPVRID, IP: *delIPValue})
	case infoCmd.FullCommand():
		resp := adminCall(control.Command{Op: "get_vrid_info", Ifname: *infoIface, Vifname: *infoIface, VRID: *infoVRID})
		fmt.Printf("state=%s master=%s\n", resp.State, resp.Master)
	case vridsCmd.FullCommand():
		resp := adminCall(control.Command{Op: "get_vrids", Ifname: *vridIface, Vifname: *vridIface})
		fmt.Println(resp.VRIDs)
	case ifsCmd.FullCommand():
		resp := adminCall(control.Command{Op: "get_ifs"})
		fmt.Println(strings.Join(resp.Ifs, "\n"))
	case vifsCmd.FullCommand():
		resp := adminCall(control.Command{Op: "get_vifs", Ifname: *vifsIface})
		fmt.Println(strings.Join(resp.Vifs, "\n"))
	case versionCmd.FullCommand():
		fmt.Printf("vrrpd version %s\n", version)
	}
}

func adminCall(cmd control.Command) control.Response {
	resp, err := control.NewClient(*socketFlag).Do(cmd)
	if err != nil {
		glog.Exitf("vrrpd: %v", err)
	}
	return resp
}

func runDaemon() {
	vips := strings.Split(*runVIPs, ",")
	var ips []net.IP
	for _, s := range vips {
		ip := net.ParseIP(strings.TrimSpace(s))
		if ip == nil || ip.To4() == nil {
			glog.Exitf("vrrpd: invalid virtual IPv4 address %q", s)
		}
		ips = append(ips, ip)
	}

	loop, err := eventloop.New()
	if err != nil {
		glog.Exitf("vrrpd: create event loop: %v", err)
	}
	defer loop.Close()

	target := vrrp.NewTarget(loop)
	if _, err := target.AddVif(*runIface, *runIface); err != nil {
		glog.Exitf("vrrpd: %v", err)
	}

	inst, err := target.AddVRID(*runIface, *runIface, *runVRID, *runPriority,
		time.Duration(*runInterval)*time.Second, *runPreempt)
	if err != nil {
		glog.Exitf("vrrpd: add-vrid: %v", err)
	}
	for _, ip := range ips {
		inst.AddIP(ip)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := control.NewServer(target)
	go func() {
		if err := srv.ListenAndServe(*socketFlag); err != nil {
			glog.Warningf("vrrpd: control socket: %v", err)
		}
	}()
	defer srv.Close()

	target.Run(ctx)
	target.TreeComplete()

	stop := make(chan struct{})
	go loop.RunLoop(stop)

	glog.Infof("vrrpd: started vrid=%d interface=%s priority=%d vips=%s",
		*runVRID, *runIface, *runPriority, strings.Join(vips, ","))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	glog.Infof("vrrpd: received %v, shutting down", sig)

	close(stop)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := target.Shutdown(shutdownCtx); err != nil {
		glog.Warningf("vrrpd: shutdown: %v", err)
	}
}
