// Package submission runs a submitted text through tokenizer, classifier and moderation gate,
// and publishes accepted messages. A controller processes one submission at a time,
// submits made while another one is in progress are ignored.
package submission

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/umputun/comment-gate/lib/broadcast"
	"github.com/umputun/comment-gate/lib/inference"
	"github.com/umputun/comment-gate/lib/moderation"
	"github.com/umputun/comment-gate/lib/tokenizer"
)

//go:generate moq --out mocks/classifier.go --pkg mocks --skip-ensure --with-resets . Classifier
//go:generate moq --out mocks/publisher.go --pkg mocks --skip-ensure --with-resets . Publisher

// DefaultIdentity is the author name used when no one is logged in
const DefaultIdentity = "Anonymous"

// State of the controller
type State int32

// enum of controller states
const (
	Idle State = iota
	Processing
)

func (s State) String() string {
	if s == Processing {
		return "processing"
	}
	return "idle"
}

// Encoder converts words to a fixed-length sequence, satisfied by *tokenizer.Tokenizer
type Encoder interface {
	Encode(words []string) tokenizer.Sequence
}

// Classifier scores an encoded sequence, satisfied by *inference.Engine
type Classifier interface {
	Classify(ctx context.Context, seq []int) (inference.Result, error)
}

// Decider turns a classification result into accept or reject, satisfied by *moderation.Gate
type Decider interface {
	Decide(r inference.Result) moderation.Decision
}

// Publisher sends accepted messages to other participants, satisfied by any broadcast.Channel
type Publisher interface {
	Publish(ctx context.Context, msg broadcast.Message) error
}

// Identity is the current author name, thread-safe
type Identity struct {
	name atomic.Value
}

// NewIdentity makes an identity with the given name, DefaultIdentity if empty
func NewIdentity(name string) *Identity {
	res := &Identity{}
	res.Set(name)
	return res
}

// Name returns current name
func (i *Identity) Name() string {
	if v, ok := i.name.Load().(string); ok {
		return v
	}
	return DefaultIdentity
}

// Set changes the name, empty name resets to DefaultIdentity
func (i *Identity) Set(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultIdentity
	}
	i.name.Store(name)
}

// Config is a set of parameters for Controller
type Config struct {
	Encoder    Encoder
	Classifier Classifier
	Decider    Decider
	Publisher  Publisher        // optional, accepted messages are not sent anywhere if nil
	Renderer   Renderer         // optional, receives all events
	Identity   *Identity        // author of published messages, DefaultIdentity if nil
	Now        func() time.Time // clock for message timestamps, time.Now if nil
	Timeout    time.Duration    // max time for a single submission, no limit if 0
}

// Outcome is the result of a finished submission
type Outcome struct {
	Decision  moderation.Decision
	Result    inference.Result
	Message   broadcast.Message
	Published bool  // true if the message was sent to the publisher successfully
	Err       error // classification error, the decision is Reject in this case
}

// Controller processes submissions, thread-safe
type Controller struct {
	Config
	state   atomic.Int32
	pending sync.WaitGroup
}

// NewController makes a controller in Idle state
func NewController(cfg Config) (*Controller, error) {
	if cfg.Encoder == nil || cfg.Classifier == nil || cfg.Decider == nil {
		return nil, fmt.Errorf("encoder, classifier and decider are required")
	}
	if cfg.Identity == nil {
		cfg.Identity = NewIdentity(DefaultIdentity)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Controller{Config: cfg}, nil
}

// State returns current state
func (c *Controller) State() State { return State(c.state.Load()) }

// Submit starts processing of the text in background and returns a handle to wait for the outcome.
// If another submission is in progress it does nothing and returns false.
func (c *Controller) Submit(ctx context.Context, text string) (*Pending, bool) {
	if !c.state.CompareAndSwap(int32(Idle), int32(Processing)) {
		log.Printf("[DEBUG] submission ignored, already processing")
		return nil, false
	}
	c.render(Event{Kind: EventProcessing, Text: text})

	p := &Pending{done: make(chan struct{})}
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		defer close(p.done)
		defer c.finish()
		p.outcome = c.process(ctx, text)
	}()
	return p, true
}

// Attach forwards messages received from the channel to the renderer as remote events
func (c *Controller) Attach(ch broadcast.Channel) {
	ch.OnMessage(func(msg broadcast.Message) {
		c.render(Event{Kind: EventRemote, Text: msg.Comment, Message: msg})
	})
}

// Wait blocks until the current submission, if any, is finished
func (c *Controller) Wait() { c.pending.Wait() }

// Check classifies the text and returns the decision without publishing anything.
// It doesn't change the controller state and can run in parallel with submissions.
func (c *Controller) Check(ctx context.Context, text string) (Outcome, error) {
	seq := c.Encoder.Encode(tokenizer.Words(text))
	cr, err := c.Classifier.Classify(ctx, seq)
	if err != nil {
		return Outcome{Decision: moderation.Reject, Err: err}, fmt.Errorf("can't classify text: %w", err)
	}
	return Outcome{Decision: c.Decider.Decide(cr), Result: cr}, nil
}

func (c *Controller) process(ctx context.Context, text string) (res Outcome) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	decided := false
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[ERROR] submission panic, %v", r)
			if decided {
				// decision is made and the message may be published already, keep both
				res.Err = fmt.Errorf("submission panic after %s: %v", res.Decision, r)
				return
			}
			res = Outcome{Decision: moderation.Reject, Err: fmt.Errorf("submission panic: %v", r)}
			c.render(Event{Kind: EventFailed, Text: text, Err: res.Err})
		}
	}()

	words := tokenizer.Words(text)
	seq := c.Encoder.Encode(words)
	log.Printf("[DEBUG] submission %q encoded as %v", text, seq)

	cr, err := c.Classifier.Classify(ctx, seq)
	if err != nil {
		log.Printf("[WARN] can't classify submission, %v", err)
		c.render(Event{Kind: EventFailed, Text: text, Err: err})
		return Outcome{Decision: moderation.Reject, Err: err}
	}

	msg := broadcast.Message{
		Username:  c.Identity.Name(),
		Timestamp: c.Now().Format(broadcast.TimeFormat),
		Comment:   text,
	}
	res = Outcome{Decision: c.Decider.Decide(cr), Result: cr, Message: msg}
	decided = true
	log.Printf("[DEBUG] submission from %s: %s, %s", msg.Username, res.Decision, cr)

	if res.Decision == moderation.Reject {
		c.render(Event{Kind: EventRejected, Text: text, Message: msg, Result: cr})
		return res
	}

	if c.Publisher != nil {
		if err := c.Publisher.Publish(ctx, msg); err != nil {
			log.Printf("[WARN] can't publish message from %s, %v", msg.Username, err)
		} else {
			res.Published = true
		}
	}
	c.render(Event{Kind: EventAccepted, Text: text, Message: msg, Result: cr})
	return res
}

func (c *Controller) finish() {
	c.state.Store(int32(Idle))
	c.render(Event{Kind: EventIdle})
}

// render passes the event to the renderer, a panic in the renderer is logged and doesn't affect the outcome
func (c *Controller) render(ev Event) {
	if c.Renderer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[ERROR] renderer panic on %s event, %v", ev.Kind, r)
		}
	}()
	c.Renderer.Render(ev)
}

// Pending is a submission in progress
type Pending struct {
	done    chan struct{}
	outcome Outcome
}

// Done is closed when the submission is finished and the controller is back to Idle
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the submission is finished or ctx is done
func (p *Pending) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-p.done:
		return p.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}
