package admin

import (
	"context"

	"github.com/xiaonanln/pulsejob/cluster/future"
	"github.com/xiaonanln/pulsejob/notify"
	"github.com/xiaonanln/pulsejob/protocol"
	"github.com/xiaonanln/pulsejob/serializer"
	"github.com/xiaonanln/pulsejob/transport"
)

const (
	attrExecutor = "executor"
	attrAddress  = "address"
)

// processor handles frames from executor connections. Decoding and pending
// table updates happen on the read goroutine so a job's logs and result stay
// ordered; store and notifier calls are queued per executor instance.
type processor struct {
	a *Admin
}

func (p *processor) OnActive(c *transport.Connection) {
	p.a.logger.Debugf("Executor connection %s from %s", c.ID(), c.RemoteAddress())
}

func (p *processor) OnFrame(c *transport.Connection, f *protocol.Frame) {
	switch f.MessageType {
	case protocol.TypeRegisterExecutor:
		p.onRegister(c, f)
	case protocol.TypeJobResult, protocol.TypeResponse:
		p.onResult(c, f)
	case protocol.TypeJobLogMessage:
		p.onLog(c, f)
	case protocol.TypeAck:
		p.a.pending.Ack(c.ID(), f.InvokeID)
	case protocol.TypeHeartbeat:
		p.onHeartbeat(c, f)
	default:
		p.a.logger.Warnf("Unexpected %s from %s", f.MessageType, c.RemoteAddress())
		p.reply(c, f, protocol.StatusBadRequest, "unexpected message type "+f.MessageType.String())
	}
}

func (p *processor) OnInactive(c *transport.Connection) {
	if n := p.a.pending.FailConnection(c.ID()); n > 0 {
		p.a.logger.Warnf("Connection %s to %s closed with %d invocations pending", c.ID(), c.RemoteAddress(), n)
	}
	executor, address, ok := boundEndpoint(c)
	if !ok {
		return
	}
	g, ok := p.a.registry.LookupGroup(address)
	if !ok || g.Size() > 0 {
		return
	}
	if _, was := p.a.online.LoadAndDelete(executor + "|" + address); !was {
		return
	}
	p.a.logger.Infof("Executor %s instance %s lost its last connection", executor, address)
	available := len(p.a.Instances(executor)) > 0
	p.a.async(executor, address, func(ctx context.Context) {
		if err := p.a.store.Deregister(ctx, executor, address); err != nil {
			p.a.logger.Warnf("Failed to deregister %s/%s: %v", executor, address, err)
		}
		if err := p.a.notifier.Notify(ctx, notify.ExecutorOffline(executor, address)); err != nil {
			p.a.logger.Warnf("Failed to notify offline %s/%s: %v", executor, address, err)
		}
		if p.a.health != nil && !available {
			p.a.health.SetServing(executor, false)
		}
	})
}

func (p *processor) onRegister(c *transport.Connection, f *protocol.Frame) {
	var req protocol.RegisterRequest
	if err := p.a.serializers.Decode(serializer.Code(f.SerializerCode), f.Body, &req); err != nil {
		p.a.logger.Warnf("Undecodable registration from %s: %v", c.RemoteAddress(), err)
		p.reply(c, f, protocol.StatusDeserializationFail, err.Error())
		return
	}
	if req.ExecutorName == "" || req.Address == "" {
		p.reply(c, f, protocol.StatusBadRequest, "registration requires executor name and address")
		return
	}
	if prev, _, ok := boundEndpoint(c); ok && prev != req.ExecutorName {
		p.reply(c, f, protocol.StatusBadRequest, "connection already registered as "+prev)
		return
	}

	c.SetAttr(attrExecutor, req.ExecutorName)
	c.SetAttr(attrAddress, req.Address)
	g := p.a.registry.Add(req.ExecutorName, req.Address, c)
	p.a.logger.Infof("Executor %s registered %s via %s (%d connections)",
		req.ExecutorName, req.Address, c.RemoteAddress(), g.Size())
	c.Write(protocol.NewAck(f.InvokeID), nil)

	_, known := p.a.online.LoadOrStore(req.ExecutorName+"|"+req.Address, struct{}{})
	p.a.async(req.ExecutorName, req.Address, func(ctx context.Context) {
		if err := p.a.store.Register(ctx, req.ExecutorName, req.Address); err != nil {
			p.a.logger.Warnf("Failed to persist %s/%s: %v", req.ExecutorName, req.Address, err)
		}
		if known {
			return
		}
		if err := p.a.notifier.Notify(ctx, notify.ExecutorOnline(req.ExecutorName, req.Address)); err != nil {
			p.a.logger.Warnf("Failed to notify online %s/%s: %v", req.ExecutorName, req.Address, err)
		}
		if p.a.health != nil {
			p.a.health.SetServing(req.ExecutorName, true)
		}
	})
}

func (p *processor) onResult(c *transport.Connection, f *protocol.Frame) {
	_, address, _ := boundEndpoint(c)
	if address == "" {
		address = c.RemoteAddress()
	}
	code := serializer.Code(f.SerializerCode)
	resp := &future.Response{
		InvokeID:       f.InvokeID,
		Status:         f.Status,
		SerializerCode: code,
		MessageType:    f.MessageType,
		Body:           f.Body,
		Remote:         address,
	}

	if len(f.Body) > 0 {
		if f.MessageType == protocol.TypeJobResult {
			var result protocol.JobResult
			if err := p.a.serializers.Decode(code, f.Body, &result); err != nil {
				p.a.logger.Warnf("Undecodable job result #%d from %s: %v", f.InvokeID, address, err)
				if fut, ok := p.a.pending.Get(c.ID(), f.InvokeID); ok {
					fut.CompleteExceptionally(&future.StatusError{
						InvokeID: f.InvokeID,
						Status:   protocol.StatusDeserializationFail,
						Remote:   address,
						Err:      err,
					})
				}
				return
			}
			resp.Value = &result
		} else if !f.Status.OK() {
			var er protocol.ErrorResponse
			if err := p.a.serializers.Decode(code, f.Body, &er); err == nil {
				resp.Value = &er
			}
		}
	}

	if !p.a.pending.Receive(c.ID(), resp) {
		p.a.logger.Debugf("Late or unknown response #%d from %s dropped", f.InvokeID, address)
	}
}

func (p *processor) onLog(c *transport.Connection, f *protocol.Frame) {
	var msg protocol.LogMessage
	if err := p.a.serializers.Decode(serializer.Code(f.SerializerCode), f.Body, &msg); err != nil {
		p.a.logger.Warnf("Undecodable job log from %s: %v", c.RemoteAddress(), err)
		return
	}
	if msg.InvokeID == 0 {
		msg.InvokeID = f.InvokeID
	}
	p.a.pending.Log(c.ID(), msg)

	executor, address, _ := boundEndpoint(c)
	p.a.async(executor, address, func(ctx context.Context) {
		if err := p.a.notifier.Notify(ctx, notify.JobLog(executor, address, &msg)); err != nil {
			p.a.logger.Debugf("Failed to forward job log: %v", err)
		}
	})
}

func (p *processor) onHeartbeat(c *transport.Connection, f *protocol.Frame) {
	executor, address, ok := boundEndpoint(c)
	if !ok && len(f.Body) > 0 {
		var hb protocol.HeartbeatMessage
		if err := p.a.serializers.Decode(serializer.Code(f.SerializerCode), f.Body, &hb); err == nil {
			executor, address, ok = hb.ExecutorName, hb.Address, hb.ExecutorName != ""
		}
	}
	c.Write(protocol.NewFrame(0, protocol.TypeHeartbeat, protocol.StatusOK, f.InvokeID, nil), nil)
	if !ok {
		return
	}
	p.a.async(executor, address, func(ctx context.Context) {
		if err := p.a.store.Touch(ctx, executor, address); err != nil {
			p.a.logger.Debugf("Failed to touch %s/%s: %v", executor, address, err)
		}
	})
}

// reply sends a RESPONSE carrying status and an ErrorResponse body. The body
// uses the request's serializer when it is known and JSON otherwise.
func (p *processor) reply(c *transport.Connection, f *protocol.Frame, status protocol.Status, message string) {
	code := serializer.Code(f.SerializerCode)
	if _, err := p.a.serializers.Get(code); err != nil {
		code = serializer.JSON
	}
	body, err := p.a.serializers.Encode(code, &protocol.ErrorResponse{Message: message})
	if err != nil {
		p.a.logger.Errorf("Failed to encode error response: %v", err)
		body, code = nil, 0
	}
	c.Write(protocol.NewFrame(uint8(code), protocol.TypeResponse, status, f.InvokeID, body), nil)
}

func boundEndpoint(c *transport.Connection) (executor, address string, ok bool) {
	e, ok1 := c.Attr(attrExecutor)
	a, ok2 := c.Attr(attrAddress)
	if !ok1 || !ok2 {
		return "", "", false
	}
	return e.(string), a.(string), true
}
