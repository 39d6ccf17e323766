// Package worker provides a NATS worker that serves synthesis and publish requests.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/speech-pipeline/internal/pipeline"
	"github.com/book-expert/speech-pipeline/internal/synthesis"
	"github.com/book-expert/speech-pipeline/internal/uploadqueue"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const (
	// DefaultSynthesisTimeout bounds a synthesis request when Timeouts leaves it unset.
	DefaultSynthesisTimeout = 2 * time.Minute
	// DefaultPublishTimeout covers a whole drain, which uploads entries one by one.
	DefaultPublishTimeout = 5 * time.Minute
)

var (
	// ErrWorkflowIDEmpty indicates a request without a workflow id.
	ErrWorkflowIDEmpty = errors.New("workflow id cannot be empty")
	// ErrTextEmpty indicates a synthesis request without text.
	ErrTextEmpty = errors.New("text cannot be empty")
	// ErrSubjectEmpty indicates a worker configured without a subject.
	ErrSubjectEmpty = errors.New("subject cannot be empty")
)

// Service is the pipeline as seen by the worker.
type Service interface {
	Generate(ctx context.Context, ownerID, text string, voice synthesis.Voice) (pipeline.GenerateResult, error)
	Publish(ctx context.Context, remoteBase string) (uploadqueue.DrainReport, error)
}

// Subjects names the subjects the worker listens and publishes on.
type Subjects struct {
	Synthesis         string
	Publish           string
	AudioChunkCreated string
}

// Timeouts bounds each request. Synthesis must cover every retried provider
// attempt and the backoff between them. Zero values use the defaults.
type Timeouts struct {
	Synthesis time.Duration
	Publish   time.Duration
}

// SynthesisRequest asks for audio for one content item.
type SynthesisRequest struct {
	Header  events.EventHeader `json:"header"`
	OwnerID string             `json:"ownerId"`
	Text    string             `json:"text"`
	Voice   synthesis.Voice    `json:"voice"`
}

// SynthesisReply answers a SynthesisRequest. Error is set on failure and
// Message is fit to show to an author.
type SynthesisReply struct {
	Header       events.EventHeader `json:"header"`
	OwnerID      string             `json:"ownerId,omitempty"`
	LocalRef     string             `json:"localRef,omitempty"`
	CredentialID string             `json:"credentialId,omitempty"`
	Characters   int                `json:"characters,omitempty"`
	Error        string             `json:"error,omitempty"`
	Message      string             `json:"message,omitempty"`
}

// PublishRequest asks for the pending audio to be uploaded.
type PublishRequest struct {
	Header         events.EventHeader `json:"header"`
	RemoteBasePath string             `json:"remoteBasePath"`
}

// PublishReply answers a PublishRequest with the owner ids of each outcome.
type PublishReply struct {
	Header     events.EventHeader `json:"header"`
	Succeeded  []string           `json:"succeeded"`
	Failed     []string           `json:"failed"`
	Superseded []string           `json:"superseded,omitempty"`
	URLs       map[string]string  `json:"urls,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// NatsWorker listens for requests on NATS subjects and runs them through the pipeline.
type NatsWorker struct {
	natsConnection *nats.Conn
	subjects       Subjects
	timeouts       Timeouts
	service        Service
	log            *logger.Logger
}

// NewNatsWorker creates a new instance of a NATS worker.
func NewNatsWorker(
	natsConnection *nats.Conn,
	subjects Subjects,
	timeouts Timeouts,
	service Service,
	log *logger.Logger,
) (*NatsWorker, error) {
	if subjects.Synthesis == "" || subjects.Publish == "" || subjects.AudioChunkCreated == "" {
		return nil, ErrSubjectEmpty
	}

	if timeouts.Synthesis <= 0 {
		timeouts.Synthesis = DefaultSynthesisTimeout
	}

	if timeouts.Publish <= 0 {
		timeouts.Publish = DefaultPublishTimeout
	}

	return &NatsWorker{
		natsConnection: natsConnection,
		subjects:       subjects,
		timeouts:       timeouts,
		service:        service,
		log:            log,
	}, nil
}

// Run subscribes to the request subjects and blocks until ctx is done.
func (w *NatsWorker) Run(ctx context.Context) error {
	synthesisSub, err := w.natsConnection.Subscribe(w.subjects.Synthesis, w.handleSynthesis)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.subjects.Synthesis, err)
	}

	publishSub, err := w.natsConnection.Subscribe(w.subjects.Publish, w.handlePublish)
	if err != nil {
		_ = synthesisSub.Unsubscribe()

		return fmt.Errorf("failed to subscribe to subject %s: %w", w.subjects.Publish, err)
	}

	w.log.System("Listening for synthesis on %s (timeout %s) and publish on %s (timeout %s)",
		w.subjects.Synthesis, w.timeouts.Synthesis, w.subjects.Publish, w.timeouts.Publish)

	<-ctx.Done()

	drainErr := errors.Join(synthesisSub.Drain(), publishSub.Drain())
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleSynthesis(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeouts.Synthesis)
	defer cancel()

	var request SynthesisRequest

	err := parseAndValidate(msg, &request, func() error {
		if strings.TrimSpace(request.Text) == "" {
			return ErrTextEmpty
		}

		return nil
	})
	if err != nil {
		w.log.Error("Failed to parse and validate synthesis request: %v", err)
		w.respond(msg, SynthesisReply{Header: request.Header, Error: err.Error(), Message: synthesis.UserMessage(err)})

		return
	}

	result, err := w.service.Generate(ctx, request.OwnerID, request.Text, request.Voice)
	if err != nil {
		w.log.Error("Failed to generate audio for workflow %s: %v", request.Header.WorkflowID, err)
		w.respond(msg, SynthesisReply{
			Header:  request.Header,
			OwnerID: request.OwnerID,
			Error:   err.Error(),
			Message: synthesis.UserMessage(err),
		})

		return
	}

	w.respond(msg, SynthesisReply{
		Header:       request.Header,
		OwnerID:      result.OwnerID,
		LocalRef:     result.LocalRef,
		CredentialID: result.CredentialID,
		Characters:   result.Characters,
	})
}

func (w *NatsWorker) handlePublish(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeouts.Publish)
	defer cancel()

	var request PublishRequest

	err := parseAndValidate(msg, &request, nil)
	if err != nil {
		w.log.Error("Failed to parse and validate publish request: %v", err)
		w.respond(msg, PublishReply{Header: request.Header, Error: err.Error()})

		return
	}

	report, err := w.service.Publish(ctx, request.RemoteBasePath)

	reply := PublishReply{
		Header:     request.Header,
		Succeeded:  report.Succeeded,
		Failed:     report.Failed,
		Superseded: report.Superseded,
		URLs:       report.URLs,
	}
	if err != nil {
		w.log.Error("Failed to publish audio for workflow %s: %v", request.Header.WorkflowID, err)
		reply.Error = err.Error()
	}

	w.announceUploads(request.Header, report)
	w.respond(msg, reply)
}

// announceUploads emits one AudioChunkCreatedEvent per uploaded owner. The audio
// is not paged, so PageNumber is the owner's 1-based position among the
// uploads of this publish and TotalPages is how many were uploaded. A consumer
// has seen the whole batch once it counts TotalPages events for the workflow.
// Failed and superseded owners are not announced.
func (w *NatsWorker) announceUploads(header events.EventHeader, report uploadqueue.DrainReport) {
	owners := make([]string, 0, len(report.Succeeded))
	for _, owner := range report.Succeeded {
		if report.URLs[owner] != "" {
			owners = append(owners, owner)
		}
	}

	for index, owner := range owners {
		event := &events.AudioChunkCreatedEvent{
			Header: events.EventHeader{
				Timestamp:  time.Now(),
				WorkflowID: header.WorkflowID,
				EventID:    uuid.NewString(),
				UserID:     header.UserID,
				TenantID:   header.TenantID,
			},
			AudioKey:   report.URLs[owner],
			PageNumber: index + 1,
			TotalPages: len(owners),
		}

		data, err := json.Marshal(event)
		if err != nil {
			w.log.Error("Failed to marshal audio event for %s: %v", owner, err)

			continue
		}

		err = w.natsConnection.Publish(w.subjects.AudioChunkCreated, data)
		if err != nil {
			w.log.Error("Failed to publish audio event for %s: %v", owner, err)
		}
	}
}

func (w *NatsWorker) respond(msg *nats.Msg, reply any) {
	if msg.Reply == "" {
		return
	}

	replyData, err := json.Marshal(reply)
	if err != nil {
		w.log.Error("Failed to marshal reply: %v", err)

		return
	}

	err = msg.Respond(replyData)
	if err != nil {
		w.log.Error("Failed to publish reply: %v", err)
	}
}

// headered is implemented by every request type.
type headered interface {
	header() events.EventHeader
}

func (r *SynthesisRequest) header() events.EventHeader { return r.Header }

func (r *PublishRequest) header() events.EventHeader { return r.Header }

func parseAndValidate(msg *nats.Msg, request headered, validate func() error) error {
	err := json.Unmarshal(msg.Data, request)
	if err != nil {
		return fmt.Errorf("failed to unmarshal request: %w", err)
	}

	if request.header().WorkflowID == "" {
		return ErrWorkflowIDEmpty
	}

	if validate != nil {
		return validate()
	}

	return nil
}
