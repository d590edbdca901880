// fabricd is the fabric device controller entrypoint: it wires a
// StackAdapter, a Pinger, and persistent storage into a fabricctl.Controller
// and runs it until interrupted.
//
// The Matter SDK itself, the ICMP ping implementation, and a persistent
// key-value store are external collaborators this process doesn't
// implement (see stackadapter.StackAdapter's doc comment and
// nodestore.Storage). Until a real collaborator is linked in, this binary
// runs against the placeholder adapter and TCP-probe pinger defined in
// this package, which are enough to exercise the wiring but not to manage
// real devices.
//
// Usage:
//
//	fabricd [options]
//
// Options:
//
//	-storage  Path for persistent node storage (default: in-memory; a
//	          file-backed Storage implementation is not part of this
//	          module, see nodestore.Storage)
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/backkem/fabricd/pkg/fabricctl"
	"github.com/backkem/fabricd/pkg/fabricmodel"
	"github.com/backkem/fabricd/pkg/nodestore"
	"github.com/backkem/fabricd/pkg/stackadapter"
	"github.com/pion/logging"
)

type options struct {
	storagePath string
}

func parseFlags() options {
	var o options
	flag.StringVar(&o.storagePath, "storage", "", "Path for persistent storage (empty = in-memory)")
	flag.Parse()
	return o
}

func main() {
	opts := parseFlags()

	var storage nodestore.Storage
	if opts.storagePath != "" {
		log.Printf("fabricd: file-backed storage is not implemented in this module; using in-memory storage instead of %s", opts.storagePath)
	}
	storage = nodestore.NewMemoryStorage()

	loggerFactory := logging.NewDefaultLoggerFactory()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctrl, err := fabricctl.New(ctx, fabricctl.Config{
		Adapter:       &placeholderAdapter{log: loggerFactory.NewLogger("adapter")},
		Storage:       storage,
		Pinger:        &tcpProbePinger{},
		LoggerFactory: loggerFactory,
	})
	if err != nil {
		log.Fatalf("fabricd: wire controller: %v", err)
	}

	if err := ctrl.Start(ctx); err != nil {
		log.Fatalf("fabricd: start controller: %v", err)
	}
	log.Println("fabricd: controller started")

	<-ctx.Done()

	log.Println("fabricd: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ctrl.Stop(shutdownCtx); err != nil {
		log.Fatalf("fabricd: shutdown: %v", err)
	}
}

// tcpProbePinger answers ping.Pinger reachability probes (which the
// fallback scanner also reaches through ping.Prober) with a TCP connect attempt on the Matter operational port,
// standing in for the raw ICMP echo the spec treats as an external
// collaborator (pkg/ping's own doc comment: "Raw ICMP access is an
// external collaborator").
type tcpProbePinger struct{}

const matterOperationalPort = "5540"

func (p *tcpProbePinger) Ping(ctx context.Context, address string, timeout time.Duration, attempts int) bool {
	for i := 0; i < attempts; i++ {
		conn, err := net.DialTimeout("tcp", net.JoinHostPort(address, matterOperationalPort), timeout)
		if err == nil {
			conn.Close()
			return true
		}
		select {
		case <-ctx.Done():
			return false
		default:
		}
	}
	return false
}

// placeholderAdapter satisfies stackadapter.StackAdapter without a real
// Matter SDK behind it, so the controller wiring above compiles and runs
// standalone. Every operation that would need to actually talk to a
// device fails with stackadapter.ErrStack; swap this for a real SDK
// binding to manage real nodes.
type placeholderAdapter struct {
	log logging.LeveledLogger
}

func (a *placeholderAdapter) CompressedFabricID(ctx context.Context) (uint64, error) {
	return 0, nil
}

func (a *placeholderAdapter) CommissionWithCode(ctx context.Context, nodeID fabricmodel.NodeID, code string, mode stackadapter.DiscoveryMode) error {
	return a.unimplemented("CommissionWithCode")
}

func (a *placeholderAdapter) CommissionOnNetwork(ctx context.Context, nodeID fabricmodel.NodeID, pin uint32, filterType int, filter any) error {
	return a.unimplemented("CommissionOnNetwork")
}

func (a *placeholderAdapter) CommissionIP(ctx context.Context, nodeID fabricmodel.NodeID, pin uint32, ip net.IP) error {
	return a.unimplemented("CommissionIP")
}

func (a *placeholderAdapter) SetWifiCredentials(ctx context.Context, ssid, password string) error {
	return a.unimplemented("SetWifiCredentials")
}

func (a *placeholderAdapter) SetThreadOperationalDataset(ctx context.Context, dataset []byte) error {
	return a.unimplemented("SetThreadOperationalDataset")
}

func (a *placeholderAdapter) OpenCommissioningWindow(ctx context.Context, nodeID fabricmodel.NodeID, timeoutS int, iteration uint32, discriminator uint16, option int) (*stackadapter.CommissioningWindow, error) {
	return nil, a.unimplemented("OpenCommissioningWindow")
}

func (a *placeholderAdapter) DiscoverCommissionableNodes(ctx context.Context) ([]stackadapter.CommissionableNode, error) {
	return nil, nil
}

func (a *placeholderAdapter) ReadAttribute(ctx context.Context, nodeID fabricmodel.NodeID, req stackadapter.ReadRequest) (*stackadapter.ReadResult, stackadapter.Subscription, error) {
	return nil, nil, a.unimplemented("ReadAttribute")
}

func (a *placeholderAdapter) WriteAttribute(ctx context.Context, nodeID fabricmodel.NodeID, writes []stackadapter.AttributeWrite) error {
	return a.unimplemented("WriteAttribute")
}

func (a *placeholderAdapter) SendCommand(ctx context.Context, nodeID fabricmodel.NodeID, endpointID uint16, clusterID, commandID uint32, payload fabricmodel.Value, responseType string, timedTimeoutMS, interactionTimeoutMS int64) (*stackadapter.CommandResponse, error) {
	return nil, a.unimplemented("SendCommand")
}

func (a *placeholderAdapter) ShutdownSubscription(ctx context.Context, nodeID fabricmodel.NodeID) error {
	return nil
}

func (a *placeholderAdapter) NodeHasSubscription(nodeID fabricmodel.NodeID) bool {
	return false
}

func (a *placeholderAdapter) FindOrEstablishCASESession(ctx context.Context, nodeID fabricmodel.NodeID) error {
	return stackadapter.ErrNotResolving
}

func (a *placeholderAdapter) GetAddressAndPort(nodeID fabricmodel.NodeID) (net.IP, int, bool) {
	return nil, 0, false
}

func (a *placeholderAdapter) Shutdown(ctx context.Context) error {
	return nil
}

func (a *placeholderAdapter) unimplemented(op string) error {
	if a.log != nil {
		a.log.Warnf("adapter: %s called against the placeholder adapter", op)
	}
	return fmt.Errorf("%w: %s: no Matter SDK collaborator wired in", stackadapter.ErrStack, op)
}
