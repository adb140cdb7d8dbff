package websocket

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chartaudit/chartaudit/internal/domain/report"
)

type fakeConn struct{}

func (fakeConn) ReadMessage() (int, []byte, error) { return 0, nil, nil }
func (fakeConn) WriteMessage(int, []byte) error    { return nil }
func (fakeConn) Close() error                      { return nil }

func recvEvent(t *testing.T, client *Client) Event {
	t.Helper()
	select {
	case raw := <-client.Send:
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			t.Fatal(err)
		}
		return ev
	default:
		t.Fatal("no event queued")
		return Event{}
	}
}

func TestHubTopicRouting(t *testing.T) {
	hub := NewHub(zerolog.Nop())

	a := NewClient(fakeConn{}, ReportTopic("r1"))
	b := NewClient(fakeConn{}, ReportTopic("r2"))
	hub.Register(a)
	hub.Register(b)

	hub.ReportProgress(context.Background(), "e1", "r1", report.StepPhiDetection, 10)

	ev := recvEvent(t, a)
	if ev.Type != "report.progress" || ev.Topic != ReportTopic("r1") {
		t.Errorf("event = %+v", ev)
	}
	var data struct {
		EncounterID     string `json:"encounter_id"`
		CurrentStep     string `json:"current_step"`
		ProgressPercent int    `json:"progress_percent"`
	}
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.CurrentStep != "phi_detection" || data.ProgressPercent != 10 {
		t.Errorf("data = %+v", data)
	}
	if data.EncounterID != "e1" {
		t.Errorf("encounter_id = %q, want e1", data.EncounterID)
	}

	select {
	case <-b.Send:
		t.Error("client on other topic received the event")
	default:
	}
}

func TestHubTerminalEvents(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	rep := &report.Report{
		ID:                 uuid.New(),
		EncounterID:        uuid.New(),
		Status:             report.StatusComplete,
		IncrementalRevenue: 0.8,
	}

	client := NewClient(fakeConn{}, ReportTopic(rep.ID.String()))
	hub.Register(client)

	hub.ReportCompleted(context.Background(), rep)
	ev := recvEvent(t, client)
	if ev.Type != "report.complete" {
		t.Errorf("type = %s", ev.Type)
	}
	var data struct {
		Status             string  `json:"status"`
		IncrementalRevenue float64 `json:"incremental_revenue"`
	}
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.Status != "COMPLETE" || data.IncrementalRevenue != 0.8 {
		t.Errorf("data = %+v", data)
	}

	msg := "ai service timeout"
	rep.Status = report.StatusFailed
	rep.ErrorMessage = &msg
	hub.ReportFailed(context.Background(), rep)
	ev = recvEvent(t, client)
	if ev.Type != "report.failed" {
		t.Errorf("type = %s", ev.Type)
	}
}

func TestHubSubscribeUnsubscribe(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := NewClient(fakeConn{})
	hub.Register(client)

	hub.ProcessMessage(client, ClientMessage{Action: "subscribe", Topics: []string{ReportTopic("r1")}})
	if hub.TopicCount(ReportTopic("r1")) != 1 {
		t.Error("subscribe did not register topic")
	}

	hub.ReportProgress(context.Background(), "e1", "r1", report.StepInitializing, 5)
	recvEvent(t, client)

	hub.ProcessMessage(client, ClientMessage{Action: "unsubscribe", Topics: []string{ReportTopic("r1")}})
	if hub.TopicCount(ReportTopic("r1")) != 0 {
		t.Error("unsubscribe did not remove topic")
	}

	hub.ReportProgress(context.Background(), "e1", "r1", report.StepPhiDetection, 10)
	select {
	case <-client.Send:
		t.Error("unsubscribed client received event")
	default:
	}
}

func TestHubUnregisterClosesSend(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := NewClient(fakeConn{}, ReportTopic("r1"))
	hub.Register(client)

	hub.Unregister(client)
	if _, open := <-client.Send; open {
		t.Error("send channel still open after unregister")
	}
	if hub.ClientCount() != 0 {
		t.Errorf("client count = %d", hub.ClientCount())
	}

	// Double-unregister must be safe.
	hub.Unregister(client)
}

func TestHubFullBufferDoesNotBlock(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := &Client{
		ID:     "slow",
		Topics: []string{ReportTopic("r1")},
		Send:   make(chan []byte), // unbuffered, nothing reading
		conn:   fakeConn{},
	}
	hub.Register(client)

	done := make(chan struct{})
	go func() {
		hub.ReportProgress(context.Background(), "e1", "r1", report.StepPhiDetection, 10)
		close(done)
	}()
	<-done
}
