package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-kit/log/level"

	"github.com/eodag/eodag"
	"github.com/eodag/eodag/pkg/errs"
	"github.com/eodag/eodag/pkg/model"
	"github.com/eodag/eodag/pkg/util/log"
)

const appName = "eodag"

// Version is set via build flag -ldflags -X main.Version
var Version = "dev"

func main() {
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error.")
	logFormat := flag.String("log-format", "logfmt", "Log format: logfmt or json.")
	printVersion := flag.Bool("version", false, "Print version information.")
	flag.Usage = usage
	flag.Parse()

	if *printVersion {
		fmt.Printf("%s, version %s\n", appName, Version)
		os.Exit(0)
	}

	log.InitLogger(*logFormat, *logLevel)

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	gw, err := eodag.New(log.Logger)
	if err != nil {
		level.Error(log.Logger).Log("msg", "failed loading configuration", "err", err)
		os.Exit(exitCode(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := dispatch(ctx, gw, args[0], args[1:]); err != nil {
		level.Error(log.Logger).Log("msg", "command failed", "command", args[0], "err", err)
		os.Exit(exitCode(err))
	}
}

func dispatch(ctx context.Context, gw *eodag.Gateway, command string, args []string) error {
	switch command {
	case "list":
		return runList(gw, args)
	case "guess":
		return runGuess(gw, args)
	case "search":
		return runSearch(ctx, gw, args)
	case "download":
		return runDownload(ctx, gw, args)
	case "queryables":
		return runQueryables(ctx, gw, args)
	default:
		usage()
		return &errs.ValidationError{Message: fmt.Sprintf("unknown command %q", command)}
	}
}

func runList(gw *eodag.Gateway, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	provider := fs.String("provider", "", "Restrict to one provider.")
	fs.Parse(args)

	productTypes, err := gw.ListProductTypes(*provider)
	if err != nil {
		return err
	}
	for _, pt := range productTypes {
		if pt.Title != "" {
			fmt.Printf("%s\t%s\n", pt.ID, pt.Title)
			continue
		}
		fmt.Println(pt.ID)
	}
	return nil
}

func runGuess(gw *eodag.Gateway, args []string) error {
	if len(args) == 0 {
		return &errs.ValidationError{Message: "guess needs at least one keyword"}
	}
	ids, err := gw.GuessProductType(args...)
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}

func runSearch(ctx context.Context, gw *eodag.Gateway, args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	criteria, all := searchFlags(fs)
	geojson := fs.Bool("geojson", false, "Print the result as a GeoJSON FeatureCollection.")
	fs.Parse(args)

	var result *model.SearchResult
	var err error
	if *all {
		result, err = gw.SearchAll(ctx, criteria)
	} else {
		result, err = gw.Search(ctx, criteria)
	}
	if err != nil {
		return err
	}

	if *geojson {
		out, err := result.AsGeoJSON()
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}
	for _, p := range result.Products {
		fmt.Printf("%s\t%s\t%s\n", p.Provider, p.ID, p.Title)
	}
	if result.TotalItems != nil {
		fmt.Printf("total: %d\n", *result.TotalItems)
	}
	return nil
}

func runDownload(ctx context.Context, gw *eodag.Gateway, args []string) error {
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	criteria, _ := searchFlags(fs)
	output := fs.String("output", "", "Directory downloads land in.")
	wait := fs.Duration("wait", 2*time.Minute, "Retry period for products being staged.")
	timeout := fs.Duration("timeout", 20*time.Minute, "Deadline after which staging products are abandoned.")
	fs.Parse(args)

	result, err := gw.Search(ctx, criteria)
	if err != nil {
		return err
	}
	if result.Len() == 0 {
		fmt.Println("no product matched")
		return nil
	}

	opts := &model.DownloadOptions{OutputsPrefix: *output, Wait: *wait, Timeout: *timeout}
	paths, err := gw.DownloadAll(ctx, result.Products, opts, nil)
	for _, path := range paths {
		fmt.Println(path)
	}
	return err
}

func runQueryables(ctx context.Context, gw *eodag.Gateway, args []string) error {
	fs := flag.NewFlagSet("queryables", flag.ExitOnError)
	productType := fs.String("product-type", "", "Product type to describe.")
	provider := fs.String("provider", "", "Provider whose queryables to report.")
	fixedFlag := fs.String("fixed", "", "Already-fixed parameters, k=v comma-separated.")
	fs.Parse(args)

	fixed := map[string]any{}
	if *fixedFlag != "" {
		for _, pair := range strings.Split(*fixedFlag, ",") {
			k, v, found := strings.Cut(pair, "=")
			if !found {
				return &errs.ValidationError{Message: fmt.Sprintf("malformed fixed parameter %q", pair)}
			}
			fixed[k] = v
		}
	}

	dict, err := gw.Queryables(ctx, *productType, *provider, fixed)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(dict, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// searchFlags registers the flags shared by search and download.
func searchFlags(fs *flag.FlagSet) (*eodag.SearchCriteria, *bool) {
	criteria := &eodag.SearchCriteria{}
	fs.StringVar(&criteria.ProductType, "product-type", "", "Product type to search for.")
	fs.StringVar(&criteria.Provider, "provider", "", "Pin the search to one provider.")
	fs.StringVar(&criteria.Start, "start", "", "Start of the sensing period, RFC 3339 or date.")
	fs.StringVar(&criteria.End, "end", "", "End of the sensing period, RFC 3339 or date.")
	fs.IntVar(&criteria.Page, "page", 1, "Result page to fetch.")
	fs.IntVar(&criteria.ItemsPerPage, "items", eodag.DefaultItemsPerPage, "Items per page.")
	fs.BoolVar(&criteria.Count, "count", false, "Ask the provider for the total match count.")
	fs.Func("geom", "Area of interest: WKT or minx,miny,maxx,maxy.", func(s string) error {
		criteria.Geometry = s
		return nil
	})
	fs.Func("param", "Extra search parameter k=v, repeatable.", func(s string) error {
		k, v, found := strings.Cut(s, "=")
		if !found {
			return fmt.Errorf("malformed parameter %q", s)
		}
		if criteria.Extra == nil {
			criteria.Extra = map[string]any{}
		}
		criteria.Extra[k] = v
		return nil
	})
	all := fs.Bool("all", false, "Follow pagination to exhaustion.")
	return criteria, all
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: %s [flags] <command> [command flags]

commands:
  list        List known product types
  guess       Guess product types from keywords
  search      Search one or all pages of products
  download    Search then download the matching products
  queryables  Describe the accepted search parameters

flags:
`, appName)
	flag.PrintDefaults()
}

// exitCode maps the error taxonomy onto process exit codes so scripts can
// branch without parsing messages.
func exitCode(err error) int {
	switch {
	case errs.IsValidation(err):
		return 2
	case isUnsupported(err):
		return 3
	case errs.IsAuth(err):
		return 4
	case isRequestLike(err):
		return 5
	}
	return 1
}

func isUnsupported(err error) bool {
	var upt *errs.UnsupportedProductType
	var up *errs.UnsupportedProvider
	return errors.As(err, &upt) || errors.As(err, &up)
}

func isRequestLike(err error) bool {
	var re *errs.RequestError
	var de *errs.DownloadError
	return errors.As(err, &re) || errors.As(err, &de) || errs.IsTimeout(err)
}
