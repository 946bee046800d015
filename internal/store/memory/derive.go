package memory

import (
	"strconv"
	"strings"

	"github.com/gosuda/airstream/internal/domain"
	"github.com/gosuda/airstream/internal/event"
)

// Warnings attached to messages of invocations that did not end normally.
const (
	WarnIndeterminate = "stream closed before the agent signalled completion"
	WarnCancelled     = "cancelled before completion"
)

type invocationState struct {
	complete bool
	warning  string
	count    int
}

type messageAcc struct {
	msg     domain.Message
	finals  []string
	partial string
	result  string
	frozen  bool
	isError bool
}

func (a *messageAcc) reset() {
	a.finals = nil
	a.partial = ""
	a.result = ""
}

// Derive folds a raw event log into the visible message projection. It is
// a pure function of its input: the same log always yields the same
// messages, IDs included.
//
// Visible text of one (invocation, author) pair becomes one message. Final
// texts are joined with blank lines; partial fragments only surface when
// the invocation sealed without a final text, in which case their merged
// form is used. Function-result text stands in when neither is available.
// Once an invocation completes, its messages are frozen.
func Derive(sessionID string, events []domain.AgentEvent) []domain.Message {
	var (
		order []*messageAcc
		byKey = make(map[string]*messageAcc)
		invs  = make(map[string]*invocationState)
	)

	inv := func(id string) *invocationState {
		st, ok := invs[id]
		if !ok {
			st = &invocationState{}
			invs[id] = st
		}
		return st
	}
	newAcc := func(ev *domain.AgentEvent, st *invocationState, kind domain.MessageKind) *messageAcc {
		a := &messageAcc{msg: domain.Message{
			ID:           ev.InvocationID + "/" + ev.Author + "/" + strconv.Itoa(st.count),
			SessionID:    sessionID,
			InvocationID: ev.InvocationID,
			Author:       ev.Author,
			Kind:         kind,
			CreatedAt:    ev.Timestamp,
			UpdatedAt:    ev.Timestamp,
		}}
		st.count++
		order = append(order, a)
		return a
	}
	seal := func(id string, st *invocationState) {
		st.complete = true
		for _, a := range order {
			if a.msg.InvocationID == id {
				a.frozen = true
			}
		}
	}

	for i := range events {
		ev := &events[i]
		st := inv(ev.InvocationID)

		if ev.IsSystem() {
			if st.complete {
				continue
			}
			switch ev.Terminal.Reason {
			case domain.TerminalSuperseded:
				for _, a := range order {
					if a.msg.InvocationID == ev.InvocationID && !a.frozen && !a.isError {
						a.reset()
					}
				}
			case domain.TerminalFailed:
				a := newAcc(ev, st, domain.MessageKindError)
				a.isError = true
				a.finals = []string{errorText(ev.Terminal.Detail)}
				seal(ev.InvocationID, st)
			case domain.TerminalCancelled:
				st.warning = WarnCancelled
				seal(ev.InvocationID, st)
			case domain.TerminalIndeterminate:
				st.warning = WarnIndeterminate
				seal(ev.InvocationID, st)
			}
			continue
		}

		if ev.IsError() {
			if st.complete {
				continue
			}
			msg := "unknown error"
			if ev.Error != nil {
				msg = ev.Error.Error()
			}
			a := newAcc(ev, st, domain.MessageKindError)
			a.isError = true
			a.finals = []string{errorText(msg)}
			if event.IsTurnComplete(ev) {
				seal(ev.InvocationID, st)
			}
			continue
		}

		text := ev.VisibleText()
		result := ev.ResultText()
		if text != "" || result != "" {
			key := ev.InvocationID + "\x00" + ev.Author
			a, ok := byKey[key]
			if !ok {
				a = newAcc(ev, st, domain.MessageKindText)
				byKey[key] = a
			}
			if !a.frozen {
				a.msg.UpdatedAt = ev.Timestamp
				switch {
				case text != "" && ev.Partial:
					if strings.HasPrefix(text, a.partial) {
						a.partial = text
					} else {
						a.partial += text
					}
				case text != "":
					a.finals = append(a.finals, text)
					a.partial = ""
				}
				if result != "" {
					a.result = result
				}
			}
		}

		if !st.complete && event.IsTurnComplete(ev) {
			seal(ev.InvocationID, st)
		}
	}

	out := make([]domain.Message, 0, len(order))
	for _, a := range order {
		st := invs[a.msg.InvocationID]
		msg := a.msg
		msg.Sealed = a.frozen || (st.complete && (len(a.finals) > 0 || a.result != ""))

		switch {
		case len(a.finals) > 0:
			msg.Text = strings.Join(a.finals, "\n\n")
		case msg.Sealed && a.partial != "":
			msg.Text = a.partial
		case a.result != "":
			msg.Text = a.result
		}
		if msg.Text == "" {
			continue
		}
		if !a.isError {
			msg.Warning = st.warning
		}
		out = append(out, msg)
	}
	return out
}

func errorText(detail string) string {
	if detail == "" {
		return "Error: the agent failed to respond"
	}
	return "Error: " + detail
}
