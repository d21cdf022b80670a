// Command loadtest drives a running chat server with many concurrent
// wire-level clients and reports frame counts when they finish.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"tertulia/internal/protocol"
)

var (
	serverURL   = flag.String("url", "ws://localhost:8765/ws", "websocket endpoint")
	numClients  = flag.Int("clients", 50, "concurrent clients")
	numRooms    = flag.Int("rooms", 10, "shared rooms the clients spread over")
	numMessages = flag.Int("messages", 20, "chat messages per client")
	msgRate     = flag.Float64("rate", 20, "per-client messages per second")
)

type stats struct {
	connected  atomic.Int64
	rejected   atomic.Int64
	sent       atomic.Int64
	received   atomic.Int64
	chats      atomic.Int64
	wireErrors atomic.Int64
}

var counters stats

func main() {
	flag.Parse()
	log.Printf("starting load test: %d clients, %d rooms, %d messages each at %.0f msg/s",
		*numClients, *numRooms, *numMessages, *msgRate)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < *numClients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runClient(id)
		}(i)
	}
	wg.Wait()

	report(time.Since(start))
}

func report(elapsed time.Duration) {
	log.Println("=== load test results ===")
	log.Printf("duration:          %v", elapsed)
	log.Printf("clients connected: %d", counters.connected.Load())
	log.Printf("clients rejected:  %d", counters.rejected.Load())
	log.Printf("frames sent:       %d", counters.sent.Load())
	log.Printf("frames received:   %d", counters.received.Load())
	log.Printf("chat frames:       %d", counters.chats.Load())
	log.Printf("error frames:      %d", counters.wireErrors.Load())
	if secs := elapsed.Seconds(); secs > 0 {
		log.Printf("throughput:        %.0f frames/s received", float64(counters.received.Load())/secs)
	}
}

func runClient(id int) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, *serverURL, nil)
	if err != nil {
		log.Printf("[client %d] dial failed: %v", id, err)
		counters.rejected.Add(1)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	name := fmt.Sprintf("carga%03d", id)
	if err := handshake(ctx, conn, name); err != nil {
		log.Printf("[client %d] handshake failed: %v", id, err)
		counters.rejected.Add(1)
		return
	}
	counters.connected.Add(1)

	// Tally every server frame until the connection winds down.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		tallyFrames(ctx, conn)
	}()

	roomName := fmt.Sprintf("carga-sala%d", id%*numRooms)
	send(ctx, conn, protocol.CreateRoom(roomName))
	// Whoever lost the create race joins instead.
	send(ctx, conn, protocol.JoinRoom(roomName))

	limiter := rate.NewLimiter(rate.Limit(*msgRate), 1)
	for n := 0; n < *numMessages; n++ {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		send(ctx, conn, protocol.ChatMessage(name, roomName, fmt.Sprintf("mensaje %d de %s", n, name)))
	}

	// Let trailing broadcasts arrive before hanging up.
	time.Sleep(500 * time.Millisecond)

	send(ctx, conn, protocol.LeaveRoom(roomName))
	send(ctx, conn, protocol.Disconnect(name))

	select {
	case <-readerDone:
	case <-time.After(5 * time.Second):
		log.Printf("[client %d] reader did not stop", id)
	}
}

// handshake sends connect and waits for the acknowledgment, tolerating
// unrelated broadcasts that arrive first.
func handshake(ctx context.Context, conn *websocket.Conn, name string) error {
	hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := conn.Write(hctx, websocket.MessageText, protocol.Connect(name)); err != nil {
		return err
	}

	for {
		_, data, err := conn.Read(hctx)
		if err != nil {
			return err
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		switch msg.Type {
		case protocol.TypeConnectionAck:
			return nil
		case protocol.TypeConnectionError:
			return fmt.Errorf("rejected: %s", msg.Payload.Reason)
		}
	}
}

func tallyFrames(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		counters.received.Add(1)

		msg, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		switch msg.Type {
		case protocol.TypeChatMessage:
			counters.chats.Add(1)
		case protocol.TypeError:
			counters.wireErrors.Add(1)
		}
	}
}

func send(ctx context.Context, conn *websocket.Conn, frame []byte) {
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return
	}
	counters.sent.Add(1)
}
