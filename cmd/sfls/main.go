// sfls lists the members of a structured file (tar or zip container)
// held on any resource in the zone.
//
//	sfls [flags] <resource>:<path>
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/fruitsalade/sfgrid/internal/auth"
	"github.com/fruitsalade/sfgrid/internal/config"
	"github.com/fruitsalade/sfgrid/internal/rpc"
	"github.com/fruitsalade/sfgrid/internal/structfile"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "sfls: %v\n", err)
		os.Exit(exitCode(err))
	}
}

type options struct {
	envFile       string
	server        string
	zone          string
	containerType string
	batch         uint32
	timeout       time.Duration
	jsonOutput    bool
}

func run(args []string) error {
	var opts options
	flagSet := pflag.NewFlagSet("sfls", pflag.ContinueOnError)
	flagSet.StringVar(&opts.envFile, "env-file", "", "connection environment file (default: ~/"+config.DefaultEnvFile+")")
	flagSet.StringVarP(&opts.server, "server", "s", "", "resource server URL (default: the environment's host)")
	flagSet.StringVarP(&opts.zone, "zone", "z", "", "zone the resource is registered in")
	flagSet.StringVarP(&opts.containerType, "type", "t", "", "container type: tar, tar.gz, tar.zst, tar.lz4, zip (default: from the file name)")
	flagSet.Uint32VarP(&opts.batch, "batch", "n", 0, "entries per request (default: server's choice)")
	flagSet.DurationVar(&opts.timeout, "timeout", 30*time.Second, "per-request timeout")
	flagSet.BoolVar(&opts.jsonOutput, "json", false, "print one JSON object per entry")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if flagSet.NArg() != 1 {
		printHelp(flagSet)
		return fmt.Errorf("expected exactly one <resource>:<path> argument")
	}

	cc, err := config.LoadConnectionContext(opts.envFile)
	if err != nil {
		return err
	}
	ref, err := parseTarget(flagSet.Arg(0), cc.DefaultResource)
	if err != nil {
		return err
	}
	ref.Zone = opts.zone
	if opts.containerType == "" {
		opts.containerType = guessType(ref.Path)
	}
	if opts.server == "" {
		opts.server = cc.BaseURL()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	signer := auth.NewSigner(cc.ZoneKey, cc.Zone, cc.User, "sfls")
	client := rpc.NewClient(opts.server, signer, rpc.ClientConfig{Timeout: opts.timeout})
	defer client.CloseIdleConnections()

	return list(ctx, client, ref, opts)
}

func list(ctx context.Context, client *rpc.Client, ref structfile.PhysicalRef, opts options) error {
	open, err := client.Open(ctx, rpc.OpenRequest{Ref: ref, ContainerType: opts.containerType})
	if err != nil {
		return err
	}
	defer func() {
		// Release even after an interrupt.
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.timeout)
		defer cancel()
		client.Close(closeCtx, rpc.CloseRequest{SessionToken: open.SessionToken})
	}()

	out := newPrinter(opts.jsonOutput)
	defer out.flush()

	for {
		resp, err := client.ReadBatch(ctx, rpc.ReadBatchRequest{
			SessionToken: open.SessionToken,
			MaxEntries:   opts.batch,
		})
		for _, e := range resp.Entries {
			out.print(e)
		}
		if err != nil {
			return err
		}
		if resp.EndOfStream {
			return nil
		}
	}
}

// parseTarget splits "resource:path". A bare path uses the default
// resource from the environment.
func parseTarget(arg, defaultResource string) (structfile.PhysicalRef, error) {
	ref := structfile.PhysicalRef{Resource: defaultResource, Path: arg}
	if i := strings.IndexByte(arg, ':'); i > 0 {
		ref.Resource, ref.Path = arg[:i], arg[i+1:]
	}
	if err := ref.Validate(); err != nil {
		return ref, fmt.Errorf("target %q: %w", arg, err)
	}
	return ref, nil
}

func guessType(path string) string {
	lower := strings.ToLower(path)
	for _, suffix := range []struct{ ext, tag string }{
		{".tar.gz", "tar.gz"},
		{".tgz", "tar.gz"},
		{".tar.zst", "tar.zst"},
		{".tzst", "tar.zst"},
		{".tar.lz4", "tar.lz4"},
		{".zip", "zip"},
	} {
		if strings.HasSuffix(lower, suffix.ext) {
			return suffix.tag
		}
	}
	return "tar"
}

type printer struct {
	tw  *tabwriter.Writer
	enc *json.Encoder
}

func newPrinter(jsonOutput bool) *printer {
	if jsonOutput {
		return &printer{enc: json.NewEncoder(os.Stdout)}
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tSIZE\tNAME")
	return &printer{tw: tw}
}

func (p *printer) print(e rpc.Entry) {
	if p.enc != nil {
		p.enc.Encode(e)
		return
	}
	fmt.Fprintf(p.tw, "%s\t%d\t%s\n", e.Kind, e.Size, e.Name)
}

func (p *printer) flush() {
	if p.tw != nil {
		p.tw.Flush()
	}
}

// exitCode maps error kinds to distinct exit statuses for scripts.
func exitCode(err error) int {
	switch structfile.KindOf(err) {
	case structfile.ResourceUnknown:
		return 2
	case structfile.ResourceUnreachable:
		return 3
	case structfile.UnsupportedContainerType:
		return 4
	case structfile.ContainerCorrupt:
		return 5
	case structfile.RemoteOperationFailed:
		return 6
	}
	return 1
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `sfls lists the members of a tar or zip container without extracting it.

The container may live on any resource in the zone; the server named by
--server forwards the request to the resource's owner when needed.

Usage:
  sfls [flags] <resource>:<path>

Examples:
  sfls demoResc:/vault/project/run42.tar
  sfls --type zip --json archiveResc:/vault/bundle.zip

Flags:
`)
	flagSet.PrintDefaults()
}
