package services

import "context"

// ctxField identifies one piece of identity carried on a context for logging.
type ctxField uint8

const (
	taskIDField ctxField = iota
	chapterField
	stageField
	requestIDField
	idempotencyKeyField
)

func withField(ctx context.Context, f ctxField, value string) context.Context {
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, f, value)
}

func field(ctx context.Context, f ctxField) (string, bool) {
	value, _ := ctx.Value(f).(string)
	return value, value != ""
}

// WithTaskID tags ctx with a task record id. Empty ids leave ctx unchanged,
// as do the other With* helpers.
func WithTaskID(ctx context.Context, id string) context.Context {
	return withField(ctx, taskIDField, id)
}

func TaskIDFromContext(ctx context.Context) (string, bool) { return field(ctx, taskIDField) }

// WithChapter tags ctx with the chapter a task or pipeline run belongs to.
func WithChapter(ctx context.Context, chapterID string) context.Context {
	return withField(ctx, chapterField, chapterID)
}

func ChapterFromContext(ctx context.Context) (string, bool) { return field(ctx, chapterField) }

// WithStage tags ctx with the pipeline stage being executed.
func WithStage(ctx context.Context, stage string) context.Context {
	return withField(ctx, stageField, stage)
}

func StageFromContext(ctx context.Context) (string, bool) { return field(ctx, stageField) }

// WithRequestID tags ctx with a correlation id, such as one reconcile pass.
func WithRequestID(ctx context.Context, id string) context.Context {
	return withField(ctx, requestIDField, id)
}

func RequestIDFromContext(ctx context.Context) (string, bool) { return field(ctx, requestIDField) }

// WithIdempotencyKey tags ctx with the key a remote service uses to collapse
// repeated deliveries of one submission.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return withField(ctx, idempotencyKeyField, key)
}

func IdempotencyKeyFromContext(ctx context.Context) (string, bool) {
	return field(ctx, idempotencyKeyField)
}
