// Package canopen composes the bridge client, object dictionaries, SDO
// client, PDO registry, NMT and SYNC producers and the EMCY consumer into
// one "logical client endpoint" per spec.md §4.5's Network description.
package canopen

import (
	"encoding/binary"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"mdlink/pkg/bridge"
	"mdlink/pkg/emergency"
	"mdlink/pkg/frame"
	"mdlink/pkg/nmt"
	"mdlink/pkg/od"
	"mdlink/pkg/pdo"
	"mdlink/pkg/sdo"
	"mdlink/pkg/status"
	"mdlink/pkg/sync"
)

var netLog = log.WithField("service", "canopen.network")

// sdoResponseBase/sdoResponseRange mirror pkg/sdo's unexported COBID
// constants, needed here only to classify inbound frames before they
// reach the SDO client.
const (
	sdoResponseBase  uint16 = 0x580
	sdoResponseRange uint16 = 0x7F
)

// EmergencyHandler is called for every decoded EMCY event, in addition
// to the package-level log line emergency.Report always emits.
type EmergencyHandler func(emergency.Event)

// Network is the main object of this package: one CANdle bridge client,
// one SDO client, one PDO registry, and a driveId -> ObjectDictionary
// map, with a background dispatch loop routing inbound frames to the
// right consumer.
type Network struct {
	bridge *bridge.Client
	sdo    *sdo.Client
	pdo    *pdo.Registry

	mu    sync.RWMutex
	odMap map[uint8]*od.ObjectDictionary

	respMu    sync.Mutex
	respChans map[uint8]chan frame.CANFrame

	onEmergency EmergencyHandler

	stopBackground chan struct{}
	wg             sync.WaitGroup
}

// NewNetwork wires a Network on top of an already-constructed bridge
// client. Call Connect before using it.
func NewNetwork(bridgeClient *bridge.Client) *Network {
	n := &Network{
		bridge:    bridgeClient,
		pdo:       pdo.NewRegistry(),
		odMap:     make(map[uint8]*od.ObjectDictionary),
		respChans: make(map[uint8]chan frame.CANFrame),
	}
	n.sdo = sdo.NewClient(n)
	return n
}

// Connect opens the bridge transport, configures the bus, and starts
// the background frame-dispatch loop.
func (n *Network) Connect(baudrate, fdFormat, bitRateSwitch uint32) *status.Error {
	if err := n.bridge.Connect(); err != nil {
		return err
	}
	if err := n.bridge.ConfigureBus(baudrate, fdFormat, bitRateSwitch); err != nil {
		n.bridge.Disconnect()
		return err
	}
	n.stopBackground = make(chan struct{})
	n.wg.Add(1)
	go n.dispatchLoop()
	return nil
}

// Disconnect stops the dispatch loop and closes the bridge transport.
func (n *Network) Disconnect() *status.Error {
	if n.stopBackground != nil {
		close(n.stopBackground)
		n.wg.Wait()
	}
	return n.bridge.Disconnect()
}

// OnEmergency installs a callback invoked for every decoded EMCY event.
func (n *Network) OnEmergency(h EmergencyHandler) {
	n.onEmergency = h
}

// AddDrive registers a drive's parsed object dictionary under driveId.
func (n *Network) AddDrive(driveId uint8, dict *od.ObjectDictionary) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.odMap[driveId] = dict
}

// OD returns the object dictionary registered for driveId, if any.
func (n *Network) OD(driveId uint8) (*od.ObjectDictionary, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	d, ok := n.odMap[driveId]
	return d, ok
}

func (n *Network) dicts() map[uint8]*od.ObjectDictionary {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make(map[uint8]*od.ObjectDictionary, len(n.odMap))
	for k, v := range n.odMap {
		out[k] = v
	}
	return out
}

// dispatchLoop is the network's single consumer of bridge.ReceiveCanFrame:
// it classifies every inbound frame and routes it to the SDO response
// channel, the EMCY consumer, or the TPDO registry, per spec.md §4.5.
func (n *Network) dispatchLoop() {
	defer n.wg.Done()
	const tick = 2 * time.Millisecond
	for {
		select {
		case <-n.stopBackground:
			return
		default:
		}
		f, ok := n.bridge.ReceiveCanFrame()
		if !ok {
			time.Sleep(tick)
			continue
		}
		n.route(f)
	}
}

func (n *Network) route(f frame.CANFrame) {
	switch {
	case f.CanId >= sdoResponseBase && f.CanId <= sdoResponseBase+sdoResponseRange:
		driveId := uint8(f.CanId - sdoResponseBase)
		n.deliverSdoResponse(driveId, f)
	case emergency.InRange(f.CanId):
		ev := emergency.Report(f)
		if n.onEmergency != nil {
			n.onEmergency(ev)
		}
	default:
		pdo.Dispatch(n.pdo, n.dicts(), f)
	}
}

func (n *Network) deliverSdoResponse(driveId uint8, f frame.CANFrame) {
	n.respMu.Lock()
	ch, ok := n.respChans[driveId]
	n.respMu.Unlock()
	if !ok {
		return // no request pending for this drive; drop
	}
	select {
	case ch <- f:
	default:
		// A response is already buffered and not yet consumed; the
		// newer one wins, matching "late arrivals are dropped silently."
		select {
		case <-ch:
		default:
		}
		ch <- f
	}
}

func (n *Network) responseChanFor(driveId uint8) chan frame.CANFrame {
	n.respMu.Lock()
	defer n.respMu.Unlock()
	ch, ok := n.respChans[driveId]
	if !ok {
		ch = make(chan frame.CANFrame, 1)
		n.respChans[driveId] = ch
	}
	return ch
}

// SendCanFrame implements sdo.CANLink by forwarding straight to the
// bridge client.
func (n *Network) SendCanFrame(f frame.CANFrame) *status.Error {
	return n.bridge.SendCanFrame(f)
}

// ReceiveCanFrameFor implements sdo.CANLink. It never touches the
// bridge directly: the dispatch loop is the bridge's sole consumer, and
// classified SDO responses are handed here over a per-drive channel, so
// a poll for driveId can only ever observe that drive's own response
// even while another drive's request is in flight concurrently.
func (n *Network) ReceiveCanFrameFor(driveId uint8) (frame.CANFrame, bool) {
	ch := n.responseChanFor(driveId)
	select {
	case f := <-ch:
		return f, true
	default:
		return frame.CANFrame{}, false
	}
}

// ReadSDO performs a typed SDO upload of (index, subindex) from driveId.
func (n *Network) ReadSDO(driveId uint8, index uint16, subindex uint8, dataType od.DataType, timeoutMs int) (od.Value, *status.Error) {
	n.responseChanFor(driveId) // ensure a channel exists before the request races the dispatch loop
	return n.sdo.Read(driveId, index, subindex, dataType, timeoutMs)
}

// WriteSDO validates value against driveId's OD entry before sending,
// per spec.md §4.4's "no frame sent on TypeMismatch/LimitExceeded", then
// performs the SDO download.
func (n *Network) WriteSDO(driveId uint8, index uint16, subindex uint8, value od.Value, timeoutMs int) *status.Error {
	dict, ok := n.OD(driveId)
	if ok {
		entry, err := dict.Lookup(index, subindex)
		if err != nil {
			return err
		}
		if err := entry.CheckWrite(value); err != nil {
			return err
		}
	}
	n.responseChanFor(driveId)
	if err := n.sdo.Write(driveId, index, subindex, value, timeoutMs); err != nil {
		return err
	}
	if ok {
		return dict.Write(index, subindex, value)
	}
	return nil
}

// SetupPDO configures one PDO on driveId and registers its resolved
// mapping for dispatch/transmit.
func (n *Network) SetupPDO(driveId uint8, selector pdo.Selector, fields []pdo.FieldRef, timeoutMs int) (*pdo.Mapping, *status.Error) {
	dict, ok := n.OD(driveId)
	if !ok {
		return nil, status.New(status.UnknownObject, "no object dictionary registered for drive")
	}
	m, err := pdo.SetupPDO(n.sdo, dict, driveId, selector, fields, timeoutMs)
	if err != nil {
		return nil, err
	}
	n.pdo.Register(driveId, m)
	return m, nil
}

// SendSync broadcasts one SYNC frame.
func (n *Network) SendSync() *status.Error {
	return sync.Send(n)
}

// SendRPDOs packs and transmits every configured RPDO for every known
// drive, reading mapped values out of each drive's OD.
func (n *Network) SendRPDOs() {
	pdo.SendRPDOs(n, n.pdo, n.dicts())
}

// Command sends an NMT command to nodeId (0 broadcasts to all nodes).
func (n *Network) Command(nodeId uint8, cmd nmt.Command) *status.Error {
	netLog.WithFields(log.Fields{"nodeId": nodeId, "command": cmd}).Debug("sending nmt command")
	return nmt.Send(n, nodeId, cmd)
}

const sdoCcsInitiateUpload byte = 0x40

// ProbeSDOUpload sends a raw expedited SDO upload request for
// (index, subindex) and returns the raw response frame unparsed, for
// callers like pkg/discovery that classify a response by inspecting its
// bytes directly rather than through a typed od.Value decode.
func (n *Network) ProbeSDOUpload(driveId uint8, index uint16, subindex uint8, timeoutMs int) (frame.CANFrame, bool) {
	ch := n.responseChanFor(driveId)

	var payload [4]byte
	binary.LittleEndian.PutUint16(payload[0:2], index)
	payload[2] = subindex
	req, err := frame.NewCANFrame(0x600+uint16(driveId), append([]byte{sdoCcsInitiateUpload}, payload[:]...))
	if err != nil {
		return frame.CANFrame{}, false
	}
	if err := n.SendCanFrame(req); err != nil {
		return frame.CANFrame{}, false
	}

	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	for time.Now().Before(deadline) {
		select {
		case resp := <-ch:
			return resp, true
		default:
			time.Sleep(200 * time.Microsecond)
		}
	}
	return frame.CANFrame{}, false
}
