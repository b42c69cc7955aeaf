// Package status broadcasts per-run progress over Redis pub/sub on channels
// named <runid>:<topic>. Messages keep the plain text wire grammar
//
//	rq:<jobid> STARTED <func>(<args>)
//	rq:<jobid> COMPLETED <func>(<args>)
//	rq:<jobid> EXCEPTION <func>(<args>)
//	rq:<jobid> TRIGGER <topic> <EVENT_NAME>
//
// and anything else is a free-form progress line.
package status

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Topics used by tasks.
const (
	TopicWepp                    = "wepp"
	TopicChannelDelineation      = "channel_delineation"
	TopicSubcatchmentDelineation = "subcatchment_delineation"
	TopicOutlet                  = "outlet"
	TopicLanduse                 = "landuse"
	TopicSoils                   = "soils"
	TopicClimate                 = "climate"
	TopicRhem                    = "rhem"
	TopicAsh                     = "ash"
	TopicDebrisFlow              = "debris_flow"
	TopicRAPTS                   = "rap_ts"
	TopicOmni                    = "omni"
	TopicArchive                 = "archive"
	TopicFork                    = "fork"
	TopicMigrations              = "migrations"
	TopicRunSync                 = "run_sync"
	TopicPathCE                  = "path_ce"
	TopicDSSExport               = "dss_export"
	TopicRQ                      = "rq"
	TopicPreflight               = "preflight"
)

// Channel returns the pub/sub channel for a run topic.
func Channel(runid, topic string) string {
	return runid + ":" + topic
}

// SplitChannel is the inverse of Channel. ok is false when there is no topic.
func SplitChannel(channel string) (runid, topic string, ok bool) {
	i := strings.Index(channel, ":")
	if i <= 0 || i == len(channel)-1 {
		return "", "", false
	}
	return channel[:i], channel[i+1:], true
}

// AgentChatTopic returns a fresh agent_chat-<uuid> topic.
func AgentChatTopic() string {
	return "agent_chat-" + uuid.New().String()
}

// Message is one of Started, Completed, Exception, Trigger or Progress.
type Message interface {
	String() string
	isMessage()
}

type Started struct {
	JobID string
	Call  string
}

type Completed struct {
	JobID string
	Call  string
}

type Exception struct {
	JobID string
	Call  string
}

type Trigger struct {
	JobID string
	Topic string
	Event string
}

type Progress struct {
	Text string
}

func (Started) isMessage() {}
func (Completed) isMessage() {}
func (Exception) isMessage() {}
func (Trigger) isMessage() {}
func (Progress) isMessage() {}

func (m Started) String() string { return fmt.Sprintf("rq:%s STARTED %s", m.JobID, m.Call) }
func (m Completed) String() string { return fmt.Sprintf("rq:%s COMPLETED %s", m.JobID, m.Call) }
func (m Exception) String() string { return fmt.Sprintf("rq:%s EXCEPTION %s", m.JobID, m.Call) }
func (m Trigger) String() string {
	return fmt.Sprintf("rq:%s TRIGGER %s %s", m.JobID, m.Topic, m.Event)
}
func (m Progress) String() string { return m.Text }

// Parse decodes a wire string. Lines that do not follow the rq grammar are Progress.
func Parse(s string) Message {
	if !strings.HasPrefix(s, "rq:") {
		return Progress{Text: s}
	}
	head, rest, ok := strings.Cut(s[len("rq:"):], " ")
	if !ok || head == "" {
		return Progress{Text: s}
	}
	verb, body, _ := strings.Cut(rest, " ")

	switch verb {
	case "STARTED":
		return Started{JobID: head, Call: body}
	case "COMPLETED":
		return Completed{JobID: head, Call: body}
	case "EXCEPTION":
		return Exception{JobID: head, Call: body}
	case "TRIGGER":
		topic, event, ok := strings.Cut(body, " ")
		if !ok {
			return Progress{Text: s}
		}
		return Trigger{JobID: head, Topic: topic, Event: event}
	}
	return Progress{Text: s}
}
