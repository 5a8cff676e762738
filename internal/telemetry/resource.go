package telemetry

import (
	"context"
	"errors"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Resource attribute keys describing the bot instance
const (
	AttrBotLogin        = attribute.Key("fcpbot.bot_login")
	AttrRosterMode      = attribute.Key("fcpbot.roster.mode")
	AttrRepositories    = attribute.Key("fcpbot.repositories")
	AttrRepositoryCount = attribute.Key("fcpbot.repository.count")
)

// newResource identifies this bot: which login it posts as and which
// repositories it governs, so traces from several deployments can be told
// apart.
func newResource(ctx context.Context, opts Options) (*resource.Resource, error) {
	repos := slices.Clone(opts.Repositories)
	slices.Sort(repos)
	attrs := []attribute.KeyValue{
		semconv.ServiceName(opts.ServiceName),
		semconv.ServiceVersion(opts.Version),
		AttrRepositories.StringSlice(repos),
		AttrRepositoryCount.Int(len(repos)),
	}
	if opts.BotLogin != "" {
		attrs = append(attrs, AttrBotLogin.String(opts.BotLogin))
	}
	if opts.RosterMode != "" {
		attrs = append(attrs, AttrRosterMode.String(opts.RosterMode))
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(attrs...),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if errors.Is(err, resource.ErrPartialResource) {
		// Some detectors failed; the bot's own attributes are still set.
		return res, nil
	}
	return res, err
}
