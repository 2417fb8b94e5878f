package coordinator

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/ent0n29/ora/internal/capture"
	"github.com/ent0n29/ora/internal/protocol"
)

// ClientDevice is a capture device fed by messages arriving on the same
// connection as the controls, such as a browser page acting as the microphone.
type ClientDevice interface {
	capture.Device
	HandleClientMessage(msg any)
}

// RunConnection drives the coordinator for one client connection. Parsed
// client messages arrive on inbound; events are written to outbound until ctx
// ends or inbound closes.
func (c *Coordinator) RunConnection(ctx context.Context, inbound <-chan any, outbound chan<- any) error {
	forwardDone := make(chan struct{})
	go func() {
		defer close(forwardDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case ev := <-c.events:
				select {
				case outbound <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	defer func() {
		c.Close()
		<-forwardDone
	}()

	c.Ready()
	clientDevice, _ := c.device.(ClientDevice)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			c.sess.Touch()
			switch m := msg.(type) {
			case protocol.ClientControl:
				switch m.Action {
				case protocol.ActionStart:
					// Opening a client device waits for replies on inbound.
					go func() {
						if err := c.StartRecording(ctx); errors.Is(err, capture.ErrBusy) {
							c.emitError("capture", err)
							c.status(StatusText(err))
						}
					}()
				case protocol.ActionStop:
					c.StopRecording()
				}
			case protocol.ChatMessage:
				c.SendAsync(m.Text)
			case protocol.ClientDraft:
				c.SetDraft(m.Text)
			case protocol.DeviceEvent, protocol.ClientAudioChunk:
				if clientDevice == nil {
					logrus.WithFields(logrus.Fields{
						"session_id": c.sess.ID,
						"type":       protocol.TypeOf(m),
					}).Debug("device message without a client device")
					continue
				}
				clientDevice.HandleClientMessage(m)
			}
		}
	}
}
