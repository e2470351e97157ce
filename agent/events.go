package agent

import (
	"fmt"

	witgo "github.com/OpenListTeam/wazero-agenthost/wit-go"
)

type EventKind uint8

const (
	KindStreamStart EventKind = iota
	KindChunk
	KindComplete
	KindError
	KindToolCall
	KindToolResult
	KindPlanGenerated
	KindTaskStart
	KindTaskUpdate
	KindTaskComplete
	KindFileWritten
	KindModelLoading
	KindReady
	KindAskUser
	KindProgress
	KindCancelled
)

var kindNames = [...]string{
	"stream-start", "chunk", "complete", "error", "tool-call", "tool-result",
	"plan-generated", "task-start", "task-update", "task-complete", "file-written",
	"model-loading", "ready", "ask-user", "progress", "cancelled",
}

func (k EventKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("event(%d)", uint8(k))
}

// Event is one value returned by the guest's poll export.
type Event interface {
	Kind() EventKind
}

type (
	StreamStart struct{}
	Chunk       struct{ Text string }
	Complete    struct{ Text string }
	ErrorEvent  struct{ Message string }
	ToolCall    struct{ Name string }
	ToolResult  struct {
		Name    string
		Output  string
		IsError bool
	}
	PlanGenerated struct{ Plan string }
	TaskStart     struct{ ID, Name, Description string }
	TaskUpdate    struct{ ID, Status string }
	TaskComplete  struct {
		ID      string
		Success bool
		Output  *string
	}
	FileWritten struct {
		Path string
		Size uint64
	}
	ModelLoading struct {
		Model   string
		Percent uint8
	}
	Ready   struct{}
	AskUser struct {
		ID      string
		Type    string
		Prompt  string
		Options []string
	}
	Progress struct {
		Step, Total uint32
		Description string
	}
	Cancelled struct{}
)

func (StreamStart) Kind() EventKind   { return KindStreamStart }
func (Chunk) Kind() EventKind         { return KindChunk }
func (Complete) Kind() EventKind      { return KindComplete }
func (ErrorEvent) Kind() EventKind    { return KindError }
func (ToolCall) Kind() EventKind      { return KindToolCall }
func (ToolResult) Kind() EventKind    { return KindToolResult }
func (PlanGenerated) Kind() EventKind { return KindPlanGenerated }
func (TaskStart) Kind() EventKind     { return KindTaskStart }
func (TaskUpdate) Kind() EventKind    { return KindTaskUpdate }
func (TaskComplete) Kind() EventKind  { return KindTaskComplete }
func (FileWritten) Kind() EventKind   { return KindFileWritten }
func (ModelLoading) Kind() EventKind  { return KindModelLoading }
func (Ready) Kind() EventKind         { return KindReady }
func (AskUser) Kind() EventKind       { return KindAskUser }
func (Progress) Kind() EventKind      { return KindProgress }
func (Cancelled) Kind() EventKind     { return KindCancelled }

// Terminal reports whether e ends a turn.
func Terminal(e Event) bool {
	switch e.Kind() {
	case KindComplete, KindError, KindCancelled:
		return true
	}
	return false
}

var (
	textLayout       = witgo.NewRecordLayout(witgo.Field("text", witgo.LayoutString))
	toolResultLayout = witgo.NewRecordLayout(
		witgo.Field("name", witgo.LayoutString),
		witgo.Field("output", witgo.LayoutString),
		witgo.Field("is-error", witgo.LayoutBool),
	)
	taskStartLayout = witgo.NewRecordLayout(
		witgo.Field("id", witgo.LayoutString),
		witgo.Field("name", witgo.LayoutString),
		witgo.Field("description", witgo.LayoutString),
	)
	taskUpdateLayout = witgo.NewRecordLayout(
		witgo.Field("id", witgo.LayoutString),
		witgo.Field("status", witgo.LayoutString),
	)
	taskCompleteLayout = witgo.NewRecordLayout(
		witgo.Field("id", witgo.LayoutString),
		witgo.Field("success", witgo.LayoutBool),
		witgo.Field("output", witgo.OptionOf(witgo.LayoutString)),
	)
	fileWrittenLayout = witgo.NewRecordLayout(
		witgo.Field("path", witgo.LayoutString),
		witgo.Field("size", witgo.LayoutU64),
	)
	modelLoadingLayout = witgo.NewRecordLayout(
		witgo.Field("model", witgo.LayoutString),
		witgo.Field("percent", witgo.LayoutU8),
	)
	askUserLayout = witgo.NewRecordLayout(
		witgo.Field("id", witgo.LayoutString),
		witgo.Field("type", witgo.LayoutString),
		witgo.Field("prompt", witgo.LayoutString),
		witgo.Field("options", witgo.LayoutList),
	)
	progressLayout = witgo.NewRecordLayout(
		witgo.Field("step", witgo.LayoutU32),
		witgo.Field("total", witgo.LayoutU32),
		witgo.Field("description", witgo.LayoutString),
	)
)

// payloadLayouts 是各事件负载的布局，nil 表示无负载。
var payloadLayouts = map[EventKind]*witgo.RecordLayout{
	KindChunk:         textLayout,
	KindComplete:      textLayout,
	KindError:         textLayout,
	KindToolCall:      textLayout,
	KindToolResult:    toolResultLayout,
	KindPlanGenerated: textLayout,
	KindTaskStart:     taskStartLayout,
	KindTaskUpdate:    taskUpdateLayout,
	KindTaskComplete:  taskCompleteLayout,
	KindFileWritten:   fileWrittenLayout,
	KindModelLoading:  modelLoadingLayout,
	KindAskUser:       askUserLayout,
	KindProgress:      progressLayout,
}

// eventWorld is the agent-event variant of one world version: the case
// order and where option<agent-event> keeps the variant and its payload.
type eventWorld struct {
	cases   []EventKind
	variant uint32
	payload uint32
}

func newEventWorld(cases ...EventKind) *eventWorld {
	var payloads []witgo.TypeLayout
	for _, k := range cases {
		if l := payloadLayouts[k]; l != nil {
			payloads = append(payloads, l.Layout())
		}
	}
	variant, payload := witgo.SumLayout(payloads...)
	_, at := witgo.OptionLayout(variant)
	return &eventWorld{cases: cases, variant: at, payload: payload}
}

var eventWorlds = func() map[string]*eventWorld {
	current := newEventWorld(
		KindStreamStart, KindChunk, KindComplete, KindError, KindToolCall, KindToolResult,
		KindPlanGenerated, KindTaskStart, KindTaskUpdate, KindTaskComplete, KindModelLoading,
		KindReady, KindAskUser, KindProgress, KindCancelled,
	)
	return map[string]*eventWorld{
		"0.2.0": newEventWorld(
			KindStreamStart, KindChunk, KindComplete, KindError, KindToolCall, KindToolResult,
			KindTaskStart, KindTaskComplete, KindFileWritten, KindReady,
		),
		"0.2.4": current,
		"0.2.9": current,
	}
}()

// decode lifts option<agent-event> at ptr. A nil Event without error
// means the guest had nothing to report. An unknown case yields an error
// wrapping witgo.ErrUnknownTag.
func (w *eventWorld) decode(mem *witgo.Memory, ptr uint32) (Event, error) {
	tag, err := mem.U8(ptr)
	if err != nil {
		return nil, err
	}
	switch tag {
	case 0:
		return nil, nil
	case 1:
	default:
		return nil, fmt.Errorf("%w %d for option<agent-event> at %d", witgo.ErrUnknownTag, tag, ptr)
	}

	at := ptr + w.variant
	c, err := mem.U8(at)
	if err != nil {
		return nil, err
	}
	if int(c) >= len(w.cases) {
		return nil, fmt.Errorf("%w %d for agent-event at %d", witgo.ErrUnknownTag, c, at)
	}
	kind := w.cases[c]
	layout := payloadLayouts[kind]
	if layout == nil {
		return emptyEvent(kind), nil
	}
	r := witgo.NewRecordReader(mem, layout, at+w.payload)
	ev := liftEvent(kind, r)
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%s event: %w", kind, err)
	}
	return ev, nil
}

func emptyEvent(kind EventKind) Event {
	switch kind {
	case KindStreamStart:
		return StreamStart{}
	case KindReady:
		return Ready{}
	default:
		return Cancelled{}
	}
}

func liftEvent(kind EventKind, r *witgo.RecordReader) Event {
	switch kind {
	case KindChunk:
		return Chunk{Text: r.String("text")}
	case KindComplete:
		return Complete{Text: r.String("text")}
	case KindError:
		return ErrorEvent{Message: r.String("text")}
	case KindToolCall:
		return ToolCall{Name: r.String("text")}
	case KindToolResult:
		return ToolResult{Name: r.String("name"), Output: r.String("output"), IsError: r.Bool("is-error")}
	case KindPlanGenerated:
		return PlanGenerated{Plan: r.String("text")}
	case KindTaskStart:
		return TaskStart{ID: r.String("id"), Name: r.String("name"), Description: r.String("description")}
	case KindTaskUpdate:
		return TaskUpdate{ID: r.String("id"), Status: r.String("status")}
	case KindTaskComplete:
		return TaskComplete{ID: r.String("id"), Success: r.Bool("success"), Output: r.OptionString("output")}
	case KindFileWritten:
		return FileWritten{Path: r.String("path"), Size: r.U64("size")}
	case KindModelLoading:
		return ModelLoading{Model: r.String("model"), Percent: r.U8("percent")}
	case KindAskUser:
		return AskUser{ID: r.String("id"), Type: r.String("type"), Prompt: r.String("prompt"), Options: r.Strings("options")}
	default:
		return Progress{Step: r.U32("step"), Total: r.U32("total"), Description: r.String("description")}
	}
}
