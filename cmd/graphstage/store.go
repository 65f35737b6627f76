package main

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/born-ml/graphstage/internal/envconfig"
	"github.com/born-ml/graphstage/internal/store"
	miniostore "github.com/born-ml/graphstage/internal/store/minio"
	s3store "github.com/born-ml/graphstage/internal/store/s3"
)

// resolveLocation expands names relative to GRAPHSTAGE_STORE.
func resolveLocation(uri string) string {
	base := envconfig.Store()
	if base == "" || strings.Contains(uri, "://") || filepath.IsAbs(uri) {
		return uri
	}
	return strings.TrimSuffix(base, "/") + "/" + uri
}

// openStore connects to the store at loc. Objects are zstd compressed.
func openStore(ctx context.Context, loc store.Location) (store.Store, error) {
	var inner store.Store
	switch loc.Scheme {
	case store.SchemeFile:
		inner = store.NewLocal(loc.Prefix)
	case store.SchemeMinio:
		client, err := miniostore.Dial(loc.Host, envconfig.StoreAccessKey(), envconfig.StoreSecretKey(), !envconfig.StoreInsecure())
		if err != nil {
			return nil, err
		}
		inner = miniostore.New(client, loc.Bucket, loc.Prefix)
	case store.SchemeS3:
		client, err := s3store.Connect(ctx, envconfig.StoreRegion())
		if err != nil {
			return nil, err
		}
		inner = s3store.New(client, loc.Bucket, loc.Prefix)
	default:
		return nil, fmt.Errorf("unsupported store scheme %q", loc.Scheme)
	}
	return store.NewCompressed(inner, int(envconfig.CompressionLevel())), nil
}

// openObject splits uri into the store holding the object and its name.
func openObject(ctx context.Context, uri string) (store.Store, string, error) {
	loc, err := store.ParseLocation(resolveLocation(uri))
	if err != nil {
		return nil, "", err
	}
	var name string
	if loc.Scheme == store.SchemeFile {
		loc.Prefix, name = filepath.Split(filepath.Clean(loc.Prefix))
		if loc.Prefix == "" {
			loc.Prefix = "."
		}
	} else {
		name = path.Base(loc.Prefix)
		loc.Prefix = strings.TrimSuffix(path.Dir(loc.Prefix), ".")
	}
	if name == "" || name == "." || name == "/" {
		return nil, "", fmt.Errorf("store location %q names no object", uri)
	}
	s, err := openStore(ctx, loc)
	if err != nil {
		return nil, "", err
	}
	return s, name, nil
}

// PushHandler uploads a saved stage.
func PushHandler(cmd *cobra.Command, args []string) error {
	s, name, err := openObject(cmd.Context(), args[1])
	if err != nil {
		return err
	}
	if err := store.PutFile(cmd.Context(), s, name, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "pushed %s\n", name)
	return nil
}

// PullHandler downloads a saved stage.
func PullHandler(cmd *cobra.Command, args []string) error {
	s, name, err := openObject(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return store.GetFile(cmd.Context(), s, name, args[1])
}

// ListHandler lists the stages under a store location.
func ListHandler(cmd *cobra.Command, args []string) error {
	uri := envconfig.Store()
	if len(args) > 0 {
		uri = resolveLocation(args[0])
	}
	if uri == "" {
		return fmt.Errorf("no store location given and GRAPHSTAGE_STORE is not set")
	}
	loc, err := store.ParseLocation(uri)
	if err != nil {
		return err
	}
	s, err := openStore(cmd.Context(), loc)
	if err != nil {
		return err
	}
	names, err := s.List(cmd.Context(), "")
	if err != nil {
		return err
	}

	var rows [][]string
	for _, n := range names {
		rows = append(rows, []string{n})
	}
	table := newTable(cmd.OutOrStdout(), []string{"NAME"})
	table.AppendBulk(rows)
	table.Render()
	return nil
}

func newPushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push FILE URI",
		Short: "Upload a saved stage to an artifact store",
		Long: `URI names the object, e.g. s3://bucket/models/stage.gstg,
minio://host:9000/bucket/models/stage.gstg or /var/models/stage.gstg.
Relative names are resolved against GRAPHSTAGE_STORE when it is set.`,
		Args: cobra.ExactArgs(2),
		RunE: PushHandler,
	}
}

func newPullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull URI FILE",
		Short: "Download a saved stage from an artifact store",
		Args:  cobra.ExactArgs(2),
		RunE:  PullHandler,
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list [URI]",
		Aliases: []string{"ls"},
		Short:   "List the stages in an artifact store",
		Args:    cobra.MaximumNArgs(1),
		RunE:    ListHandler,
	}
}
