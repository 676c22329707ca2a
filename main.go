package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/xeptore/streamgate/cache"
	"github.com/xeptore/streamgate/config"
	"github.com/xeptore/streamgate/constant"
	"github.com/xeptore/streamgate/log"
	"github.com/xeptore/streamgate/metadata"
	"github.com/xeptore/streamgate/store"
	"github.com/xeptore/streamgate/stream"
	"github.com/xeptore/streamgate/upstream/identity"
	"github.com/xeptore/streamgate/upstream/persona"
	"github.com/xeptore/streamgate/upstream/player"
	"github.com/xeptore/streamgate/upstream/resolver"
	"github.com/xeptore/streamgate/upstream/types"
)

func main() {
	logger := log.NewDefault()

	//nolint:exhaustruct
	app := &cli.Command{
		Name:    "streamgate",
		Version: constant.Version,
		Metadata: map[string]any{
			"compiled_at": constant.CompileTime,
		},
		Suggest:               true,
		Usage:                 "Resolve and inspect upstream audio streams",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			//nolint:exhaustruct
			&cli.StringFlag{
				Name:     "config",
				Usage:    "Config file path",
				Required: false,
			},
		},
		Commands: []*cli.Command{
			//nolint:exhaustruct
			{
				Name:      "resolve",
				Usage:     "Resolve a track to its final stream URL",
				ArgsUsage: "<track-id>",
				Action:    resolveTrack,
			},
			//nolint:exhaustruct
			{
				Name:      "formats",
				Usage:     "List all audio format candidates of a track",
				ArgsUsage: "<track-id>",
				Action:    listFormats,
			},
			//nolint:exhaustruct
			{
				Name:      "read",
				Usage:     "Read a byte range of a track through the cache chain",
				ArgsUsage: "<track-id> <offset> <length>",
				Action:    readRange,
			},
			//nolint:exhaustruct
			{
				Name:      "download",
				Usage:     "Fetch a full track into the download store",
				ArgsUsage: "<track-id>",
				Action:    downloadTrack,
			},
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.Run(ctx, os.Args); nil != err {
		logger.Fatal().Err(err).Msg("Command failed")
	}
}

func loadConfig(cmd *cli.Command) (*config.Config, error) {
	if err := godotenv.Load(); nil != err && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %v", err)
	}

	confPath := cmd.String("config")
	if confPath == "" {
		confPath = "./config.yaml"
	}

	conf, err := config.Load(confPath)
	if nil != err {
		return nil, fmt.Errorf("failed to load config: %v", err)
	}

	return conf, nil
}

type app struct {
	chain *stream.Chain
	res   *resolver.Resolver
	ids   *identity.Provider
	req   *persona.Requester
	sink  *metadata.Sink
	db    *metadata.Store
}

func buildApp(logger zerolog.Logger, conf *config.Config) (*app, error) {
	db, err := metadata.NewStore(conf.Metadata.DBPath)
	if nil != err {
		return nil, fmt.Errorf("failed to open metadata store: %v", err)
	}

	sink := metadata.NewSink(logger, db, conf.Upstream)

	quality, ok := types.ParseQuality(conf.Upstream.Quality)
	if !ok {
		return nil, fmt.Errorf("invalid quality: %s", conf.Upstream.Quality)
	}

	var (
		ids    = identity.NewProvider(conf.Upstream)
		req    = persona.NewRequester(conf.Upstream)
		interp = player.NewInterpreter(
			quality,
			conf.Upstream.MeteredSavings,
			passthroughDeobfuscator{},
			unmeteredConnection{},
			sink.RecordFormat,
		)
		res = resolver.New(ids, req, interp)
		c   = cache.New(conf.Cache)
	)

	chain := stream.New(
		conf.Cache,
		conf.Upstream.Timeouts.StreamFetch,
		store.DirFrom(conf.Store.Dir),
		c,
		res,
		sink,
	)

	return &app{chain: chain, res: res, ids: ids, req: req, sink: sink, db: db}, nil
}

func (a *app) close(logger zerolog.Logger) {
	a.sink.Wait()
	if err := a.db.Close(); nil != err {
		logger.Error().Err(err).Msg("Failed to close metadata store")
	}
}

func resolveTrack(ctx context.Context, cmd *cli.Command) error {
	conf, err := loadConfig(cmd)
	if nil != err {
		return err
	}
	logger := log.FromConfig(conf.Log)

	a, err := buildApp(logger, conf)
	if nil != err {
		return err
	}
	defer a.close(logger)

	trackID := types.TrackID(cmd.Args().First())
	if trackID == "" {
		return errors.New("track id argument is required")
	}

	res, err := a.res.Resolve(ctx, logger, trackID, 0)
	if nil != err {
		return fmt.Errorf("failed to resolve track: %w", err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Field", "Value"})
	t.AppendRows([]table.Row{
		{"Track", res.Key},
		{"Itag", res.Format.Itag},
		{"Mime Type", res.Format.MimeType},
		{"Bitrate", res.Format.Bitrate},
		{"Content Length", res.Format.ContentLength},
		{"Loudness (dB)", res.Format.LoudnessDb},
		{"URL", res.URL},
	})
	t.Render()

	return nil
}

func listFormats(ctx context.Context, cmd *cli.Command) error {
	conf, err := loadConfig(cmd)
	if nil != err {
		return err
	}
	logger := log.FromConfig(conf.Log)

	a, err := buildApp(logger, conf)
	if nil != err {
		return err
	}
	defer a.close(logger)

	trackID := types.TrackID(cmd.Args().First())
	if trackID == "" {
		return errors.New("track id argument is required")
	}

	var tokens types.Tokens
	visitorID, err := a.ids.VisitorID(ctx, logger, types.PersonaNativeMobile)
	switch {
	case nil == err:
		tokens.VisitorID = visitorID
	case errors.Is(err, identity.ErrIdentityUnavailable):
		logger.Warn().Msg("Proceeding without visitor id")
	default:
		return fmt.Errorf("failed to get visitor id: %w", err)
	}

	payload, _, err := a.req.FetchPlayerInfo(ctx, logger, trackID, types.PersonaNativeMobile, tokens)
	if nil != err {
		return fmt.Errorf("failed to fetch player info: %w", err)
	}

	formats := player.AudioFormats(payload)
	if len(formats) == 0 {
		return errors.New("player payload carried no audio formats")
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Itag", "Mime Type", "Bitrate", "Content Length", "Loudness (dB)"})
	for _, f := range formats {
		t.AppendRow(table.Row{f.Itag, f.MimeType, f.Bitrate, f.ContentLength, f.LoudnessDb})
	}
	t.Render()

	return nil
}

func readRange(ctx context.Context, cmd *cli.Command) error {
	conf, err := loadConfig(cmd)
	if nil != err {
		return err
	}
	logger := log.FromConfig(conf.Log)

	a, err := buildApp(logger, conf)
	if nil != err {
		return err
	}
	defer a.close(logger)

	args := cmd.Args()
	if args.Len() != 3 {
		return errors.New("expected arguments: <track-id> <offset> <length>")
	}

	offset, err := strconv.ParseInt(args.Get(1), 10, 64)
	if nil != err {
		return fmt.Errorf("invalid offset %q: %v", args.Get(1), err)
	}
	length, err := strconv.ParseInt(args.Get(2), 10, 64)
	if nil != err {
		return fmt.Errorf("invalid length %q: %v", args.Get(2), err)
	}

	//nolint:exhaustruct
	rc, err := a.chain.Read(ctx, logger, stream.Request{
		Track:  types.TrackID(args.Get(0)),
		Offset: offset,
		Length: length,
	})
	if nil != err {
		return fmt.Errorf("failed to read range: %w", err)
	}
	defer func() {
		if closeErr := rc.Close(); nil != closeErr {
			logger.Error().Err(closeErr).Msg("Failed to close range reader")
		}
	}()

	n, err := os.Stdout.ReadFrom(rc)
	if nil != err {
		return fmt.Errorf("failed to write range to stdout: %v", err)
	}
	logger.Info().Int64("bytes", n).Msg("Range read complete")

	return nil
}

func downloadTrack(ctx context.Context, cmd *cli.Command) error {
	conf, err := loadConfig(cmd)
	if nil != err {
		return err
	}
	logger := log.FromConfig(conf.Log)

	a, err := buildApp(logger, conf)
	if nil != err {
		return err
	}
	defer a.close(logger)

	trackID := types.TrackID(cmd.Args().First())
	if trackID == "" {
		return errors.New("track id argument is required")
	}

	res, err := a.res.Resolve(ctx, logger, trackID, 0)
	if nil != err {
		return fmt.Errorf("failed to resolve track: %w", err)
	}
	if res.Format.ContentLength <= 0 {
		return fmt.Errorf("track %s has no known content length", trackID)
	}

	// Population reads do not write back into the LRU tier; the bytes land in
	// the download store instead.
	//nolint:exhaustruct
	rc, err := a.chain.Read(ctx, logger, stream.Request{
		Track:    trackID,
		Offset:   0,
		Length:   res.Format.ContentLength,
		Populate: true,
	})
	if nil != err {
		return fmt.Errorf("failed to read track bytes: %w", err)
	}
	defer func() {
		if closeErr := rc.Close(); nil != closeErr {
			logger.Error().Err(closeErr).Msg("Failed to close track reader")
		}
	}()

	info := store.StoredTrack{
		ID:            trackID.String(),
		Title:         "",
		Artist:        "",
		Itag:          res.Format.Itag,
		MimeType:      res.Format.MimeType,
		Bitrate:       res.Format.Bitrate,
		ContentLength: res.Format.ContentLength,
		LoudnessDb:    res.Format.LoudnessDb,
	}
	if fields, err := a.db.Track(trackID); nil == err && fields != nil {
		info.Title = fields.Title
		info.Artist = fields.Artist
	}

	track := store.DirFrom(conf.Store.Dir).Track(trackID)
	if err := track.Save(rc, info); nil != err {
		return fmt.Errorf("failed to save track to download store: %w", err)
	}

	logger.Info().
		Str("track_id", trackID.String()).
		Int64("bytes", res.Format.ContentLength).
		Str("path", track.Path).
		Msg("Track saved to download store")

	return nil
}

// passthroughDeobfuscator stands in for the playback engine's transform-script
// engine when inspecting streams from the CLI.
type passthroughDeobfuscator struct{}

func (passthroughDeobfuscator) ResolveThrottledURL(_ context.Context, _ types.TrackID, throttledURL string) (string, error) {
	return throttledURL, nil
}

type unmeteredConnection struct{}

func (unmeteredConnection) IsCurrentConnectionMetered() bool {
	return false
}
