package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/roman-kulish/vultur/internal/session"
	"github.com/roman-kulish/vultur/internal/storage"
)

const (
	rtcTimeLayout = "2006-01-02T15:04:05.000Z07:00"
	fixTimeLayout = "2006-01-02T15:04:05.000Z"
)

func Run(ctx context.Context, config *Config, logger *slog.Logger, out io.Writer) error {
	if _, err := os.Stat(config.DBPath); err != nil && os.IsNotExist(err) {
		return fmt.Errorf("database file '%s' does not exist: %w", config.DBPath, err)
	}

	store := storage.NewSqliteStore(config.DBPath)
	defer store.Close()

	if config.SessionID == 0 {
		return listSessions(ctx, store, out)
	}

	return listRecords(ctx, store, config, logger, out)
}

func listSessions(ctx context.Context, store *storage.SqliteStore, out io.Writer) error {
	sessions, err := store.Sessions(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUUID\tSTARTED\tCAMERAS\tRECORDS\tDIRECTORY")

	var total int64
	for _, s := range sessions {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s/%s\t%s\t%s\n",
			s.ID,
			s.UUID,
			s.StartTime.UTC().Format(time.DateTime),
			s.CameraA,
			s.CameraB,
			humanize.Comma(s.RecordCount),
			s.Directory,
		)
		total += s.RecordCount
	}

	if err = w.Flush(); err != nil {
		return err
	}

	_, err = fmt.Fprintf(out, "%s sessions, %s records\n", humanize.Comma(int64(len(sessions))), humanize.Comma(total))
	return err
}

func listRecords(ctx context.Context, store *storage.SqliteStore, config *Config, logger *slog.Logger, out io.Writer) error {
	sess, err := store.Session(ctx, config.SessionID)
	if err != nil {
		return fmt.Errorf("session %d: %w", config.SessionID, err)
	}

	var opts []storage.ReaderOption
	var filters []any
	switch {
	case config.MinTimestamp != nil && config.MaxTimestamp != nil:
		opts = append(opts, storage.WithTimeRange(config.MinTimestamp.UTC(), config.MaxTimestamp.UTC()))

		filters = append(filters,
			slog.String("from", config.MinTimestamp.UTC().Format(time.DateTime)),
			slog.String("to", config.MaxTimestamp.UTC().Format(time.DateTime)))

	case config.MinTimestamp != nil:
		opts = append(opts, storage.WithStartTime(config.MinTimestamp.UTC()))
		filters = append(filters, slog.String("from", config.MinTimestamp.UTC().Format(time.DateTime)))

	case config.MaxTimestamp != nil:
		opts = append(opts, storage.WithEndTime(config.MaxTimestamp.UTC()))
		filters = append(filters, slog.String("to", config.MaxTimestamp.UTC().Format(time.DateTime)))
	}

	logger.Debug("reading records", append(filters, slog.String("session", sess.UUID))...)

	reader, err := store.ReadRecords(ctx, sess.ID, opts...)
	if err != nil {
		return err
	}
	defer reader.Close()

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tRTC_TIME\tTELEMETRY_TIME\tIMAGE_CAM1\tIMAGE_CAM2\tLAT\tLON\tALT\tYAW\tPITCH\tROLL\tSPEED\tCLIMB")

	var n, positioned int64
	for reader.Next(ctx) {
		r := reader.Current()
		t := &r.Telemetry

		fixTime := session.NoneValue
		if t.Timestamp != nil {
			fixTime = t.Timestamp.UTC().Format(fixTimeLayout)
		}

		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Seq,
			r.RTCTime.Local().Format(rtcTimeLayout),
			fixTime,
			r.ImageA,
			r.ImageB,
			formatFloat(t.Latitude),
			formatFloat(t.Longitude),
			formatFloat(t.Altitude),
			formatFloat(t.Yaw),
			formatFloat(t.Pitch),
			formatFloat(t.Roll),
			formatFloat(t.GroundSpeed),
			formatFloat(t.ClimbRate),
		)
		n++
		if t.HasPosition() {
			positioned++
		}
	}
	if err = reader.Error(); err != nil {
		return err
	}

	if err = w.Flush(); err != nil {
		return err
	}

	_, err = fmt.Fprintf(out, "%s records in session %s (%s), %s with position\n",
		humanize.Comma(n), sess.UUID, sess.Directory, humanize.Comma(positioned))
	return err
}

func formatFloat(v *float64) string {
	if v == nil {
		return session.NoneValue
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
