package mediamgr

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/Jeffail/gabs/v2"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/AsherBond/whistle/pkg/api"
	"github.com/AsherBond/whistle/pkg/broker"
)

// handleRequest serves one consumed media request. It runs outside the
// coordinator, so a failure never kills the coordinator. A request that is
// not a JSON object is logged and dropped; once it is decoded, anything that
// goes wrong is converted into an error reply to the requester.
func (d *Dispatcher) handleRequest(ctx context.Context, ch broker.Channel, del amqp.Delivery, ln net.Listener) {
	handedOff := false
	defer func() {
		// A lease is never returned to the pool; if no child took the
		// socket, release it back to the OS.
		if !handedOff && ln != nil {
			_ = ln.Close()
		}
	}()

	env, err := gabs.ParseJSON(del.Body)
	if err != nil {
		d.logger.WithError(err).Warn("Dropping undecodable media request")
		d.countRequest("unknown", "invalid")
		return
	}
	payload, _ := env.Data().(map[string]any)
	if payload == nil {
		d.logger.Warn("Dropping non-object media request")
		d.countRequest("unknown", "invalid")
		return
	}

	serverID, _ := payload["Server-ID"].(string)
	mediaName, _ := payload["Media-Name"].(string)
	streamType, _ := payload["Stream-Type"].(string)
	if streamType == "" {
		streamType = "new"
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.WithField("panic", r).Error("Media request handler panic")
			d.reply(ctx, ch, serverID, mediaName, api.MediaErrOther, fmt.Sprint(r))
			d.countRequest(streamType, "panic")
		}
	}()

	if err := api.ValidateMediaReq(payload); err != nil {
		d.logger.WithError(err).Warn("Invalid media request")
		d.reply(ctx, ch, serverID, mediaName, api.MediaErrOther, err.Error())
		d.countRequest(streamType, "invalid")
		return
	}

	media, errCode, errMsg := d.resolve(ctx, mediaName)
	if errCode != "" {
		d.reply(ctx, ch, serverID, mediaName, errCode, errMsg)
		d.countRequest(streamType, errCode)
		return
	}

	if streamType == "extant" {
		if s := d.lookupStream(mediaName); s != nil {
			s.AddListener(serverID)
			d.countRequest(streamType, "joined")
			return
		}
		// No live stream to join: start one that later requesters can
		// share, and register it.
		s, err := d.startChild(ctx, media, mediaName, serverID, ModeContinuous, ln)
		if err != nil {
			d.reply(ctx, ch, serverID, mediaName, api.MediaErrOther, err.Error())
			d.countRequest(streamType, "error")
			return
		}
		handedOff = true
		d.AddStream(mediaName, s)
		d.countRequest(streamType, "started")
		return
	}

	if _, err := d.startChild(ctx, media, mediaName, serverID, ModeSingle, ln); err != nil {
		d.reply(ctx, ch, serverID, mediaName, api.MediaErrOther, err.Error())
		d.countRequest(streamType, "error")
		return
	}
	handedOff = true
	d.countRequest(streamType, "started")
}

// resolved is a fully-qualified media location.
type resolved struct {
	db         string
	doc        string
	attachment string
}

// resolve maps a media name onto (db, doc, attachment) via the document
// store. The returned code is empty on success.
func (d *Dispatcher) resolve(ctx context.Context, mediaName string) (resolved, string, string) {
	name, err := api.ParseMediaName(mediaName)
	if err != nil {
		return resolved{}, api.MediaErrNotFound, "malformed media name"
	}
	db := name.Db
	if db == "" {
		db = d.defaultDB
	}

	doc, err := d.store.GetMediaDoc(ctx, db, name.Doc)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return resolved{}, api.MediaErrNotFound, ""
		}
		return resolved{}, api.MediaErrOther, err.Error()
	}
	if !doc.Streamable || len(doc.Attachments) == 0 {
		return resolved{}, api.MediaErrNoData, ""
	}

	attachment := name.Attachment
	if attachment == "" {
		attachment = doc.Attachments[0]
	}
	return resolved{db: db, doc: name.Doc, attachment: attachment}, "", ""
}

func (d *Dispatcher) startChild(ctx context.Context, media resolved, mediaName, replyTo string, mode StreamMode, ln net.Listener) (Stream, error) {
	if ln == nil {
		return nil, ErrNoPorts
	}
	return d.supervisor.StartStream(ctx, StartRequest{
		Db:         media.db,
		Doc:        media.doc,
		Attachment: media.attachment,
		MediaName:  mediaName,
		ReplyTo:    replyTo,
		Mode:       mode,
		Listener:   ln,
	})
}

// reply publishes an error envelope to the requester's reply address on the
// targeted exchange.
func (d *Dispatcher) reply(ctx context.Context, ch broker.Channel, serverID, mediaName, code, msg string) {
	if serverID == "" || ch == nil {
		d.logger.WithField("media", mediaName).Warn("No reply address for media error")
		return
	}
	body, err := api.MediaError(mediaName, code, msg, serverID)
	if err != nil {
		d.logger.WithError(err).Error("Failed to shape media error")
		return
	}
	err = ch.Publish(ctx, api.ExchangeTargeted, serverID, amqp.Publishing{
		ContentType: api.ContentTypeJSON,
		Body:        body,
	})
	if err != nil {
		d.logger.WithError(err).Warn("Failed to publish media error")
	}
}

func (d *Dispatcher) countRequest(streamType, outcome string) {
	if d.requests != nil {
		d.requests.WithLabelValues(streamType, outcome).Inc()
	}
}
