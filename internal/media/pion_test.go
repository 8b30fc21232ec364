package media

import (
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
)

type fakeRTPSource struct {
	packets chan *rtp.Packet
}

func (f *fakeRTPSource) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	pkt, ok := <-f.packets
	if !ok {
		return nil, nil, io.EOF
	}
	return pkt, nil, nil
}

func listenUDP(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestPlainTransportConnectAfterConsume(t *testing.T) {
	tr := &pionPlainTransport{id: "t1", conn: listenUDP(t)}
	sink := listenUDP(t)

	src := &fakeRTPSource{packets: make(chan *rtp.Packet, 16)}
	ctx, cancel := context.WithCancel(context.Background())
	go tr.forward(ctx, src)

	// before Connect there is no destination, the packet is dropped
	src.packets <- &rtp.Packet{Header: rtp.Header{Version: 2}, Payload: []byte{1}}

	addr := sink.LocalAddr().(*net.UDPAddr)
	params := fmt.Sprintf(`{"ip":%q,"port":%d}`, addr.IP.String(), addr.Port)
	if _, err := tr.Connect(context.Background(), RTPParameters(params)); err != nil {
		t.Fatalf("connect: %v", err)
	}

	feederDone := make(chan struct{})
	go func() {
		defer close(feederDone)
		for i := 0; i < 200; i++ {
			select {
			case src.packets <- &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: uint16(i)}, Payload: []byte{2}}:
			case <-ctx.Done():
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	_ = sink.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1500)
	n, _, err := sink.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("no RTP delivered after connect: %v", err)
	}
	var got rtp.Packet
	if err := got.Unmarshal(buf[:n]); err != nil {
		t.Fatalf("delivered payload is not RTP: %v", err)
	}

	cancel()
	<-feederDone
	close(src.packets)
}

func TestPlainTransportConnectRejectsBadParams(t *testing.T) {
	tr := &pionPlainTransport{id: "t1", conn: listenUDP(t)}
	if _, err := tr.Connect(context.Background(), RTPParameters(`{"ip":""}`)); err == nil {
		t.Fatalf("expected error for missing ip/port")
	}
}
