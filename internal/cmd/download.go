package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MeKo-Tech/tileharvest/internal/download"
	"github.com/MeKo-Tech/tileharvest/internal/provider"
	"github.com/MeKo-Tech/tileharvest/internal/tile"
	"github.com/MeKo-Tech/tileharvest/internal/worker"
)

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download tiles for a bounding box across a zoom range",
	Long: `Download enumerates the tiles covering the given bounding box for each
zoom level, fetches them concurrently, and stores them under --output-dir.
Interrupting with Ctrl-C flushes progress; rerunning the same command
resumes and skips what is already done.`,
	RunE: runDownload,
}

func init() {
	rootCmd.AddCommand(downloadCmd)

	downloadCmd.Flags().String("provider", "osm", "Tile provider (osm, bing, custom)")
	downloadCmd.Flags().String("url", "", "URL template for --provider=custom ({z} {x} {y} {s} {q} placeholders)")
	downloadCmd.Flags().StringSlice("subdomains", nil, "Subdomains rotated into {s} for custom providers")
	downloadCmd.Flags().String("tile-format", "", "Tile file extension override for custom providers (png, jpg, webp)")

	downloadCmd.Flags().Float64("west", 0, "Western longitude of the bounding box")
	downloadCmd.Flags().Float64("south", 0, "Southern latitude of the bounding box")
	downloadCmd.Flags().Float64("east", 0, "Eastern longitude of the bounding box")
	downloadCmd.Flags().Float64("north", 0, "Northern latitude of the bounding box")
	downloadCmd.Flags().Int("min-zoom", 0, "Minimum zoom level")
	downloadCmd.Flags().Int("max-zoom", 10, "Maximum zoom level")
	downloadCmd.Flags().StringSlice("tiles", nil, "Explicit tiles as z/x/y, replaces bbox enumeration")

	downloadCmd.Flags().Float64("lat", 0, "Latitude for single-tile mode (with --lon and --zoom)")
	downloadCmd.Flags().Float64("lon", 0, "Longitude for single-tile mode")
	downloadCmd.Flags().Int("zoom", -1, "Zoom for single-tile mode; downloads the one tile covering --lat/--lon")

	downloadCmd.Flags().Bool("tms", false, "Flip the y axis on disk and in metadata (TMS scheme)")
	downloadCmd.Flags().Int("workers", 8, "Number of concurrent download workers")
	downloadCmd.Flags().Int("retries", worker.DefaultRetries, "Retries per tile on transient failures")
	downloadCmd.Flags().Duration("timeout", 0, "Per-request timeout (0 uses the default)")
	downloadCmd.Flags().String("user-agent", "", "User-Agent header (defaults to "+worker.DefaultUserAgent+")")
	downloadCmd.Flags().Bool("no-progress", false, "Disable the console progress bar")

	mustBind := func(key string, name string) {
		if err := viper.BindPFlag(key, downloadCmd.Flags().Lookup(name)); err != nil {
			panic(fmt.Sprintf("failed to bind flag: %v", err))
		}
	}

	mustBind("download.provider", "provider")
	mustBind("download.url", "url")
	mustBind("download.subdomains", "subdomains")
	mustBind("download.tile_format", "tile-format")

	mustBind("download.west", "west")
	mustBind("download.south", "south")
	mustBind("download.east", "east")
	mustBind("download.north", "north")
	mustBind("download.min_zoom", "min-zoom")
	mustBind("download.max_zoom", "max-zoom")
	mustBind("download.tiles", "tiles")

	mustBind("download.lat", "lat")
	mustBind("download.lon", "lon")
	mustBind("download.zoom", "zoom")

	mustBind("download.tms", "tms")
	mustBind("download.workers", "workers")
	mustBind("download.retries", "retries")
	mustBind("download.timeout", "timeout")
	mustBind("download.user_agent", "user-agent")
	mustBind("download.no_progress", "no-progress")
}

func runDownload(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}

	prov, err := resolveProvider()
	if err != nil {
		return err
	}

	tiles, err := parseTiles(viper.GetStringSlice("download.tiles"))
	if err != nil {
		return err
	}

	tms := viper.GetBool("download.tms")
	if z := viper.GetInt("download.zoom"); z >= 0 {
		if len(tiles) > 0 {
			return fmt.Errorf("--zoom and --tiles are mutually exclusive")
		}
		lat := viper.GetFloat64("download.lat")
		lon := viper.GetFloat64("download.lon")
		x, y := tile.LatLonToTile(lat, lon, z, tms, false)
		tiles = []tile.Coords{{Z: z, X: x, Y: y}}
	}

	job := download.Job{
		Provider:  prov,
		West:      viper.GetFloat64("download.west"),
		South:     viper.GetFloat64("download.south"),
		East:      viper.GetFloat64("download.east"),
		North:     viper.GetFloat64("download.north"),
		MinZoom:   viper.GetInt("download.min_zoom"),
		MaxZoom:   viper.GetInt("download.max_zoom"),
		Tiles:     tiles,
		Output:    viper.GetString("output-dir"),
		Workers:   viper.GetInt("download.workers"),
		TMS:       tms,
		UserAgent: viper.GetString("download.user_agent"),
		Timeout:   viper.GetDuration("download.timeout"),
		Retries:   viper.GetInt("download.retries"),
	}

	ctrl, err := download.New(job, download.Options{Logger: logger})
	if err != nil {
		return err
	}

	ctrl.TrapSignals()
	if err := ctrl.Start(context.Background()); err != nil {
		return err
	}

	progress := worker.NewProgress(!viper.GetBool("download.no_progress"))
	for snap := range ctrl.Reporter().Snapshots() {
		progress.Update(snap.Total, snap.Downloaded, snap.Skipped, snap.Failed, snap.Bytes)
	}
	progress.Done()

	err = ctrl.Wait()
	logger.Info(progress.Summary())
	if err != nil {
		return fmt.Errorf("download failed: %w", err)
	}
	return nil
}

func resolveProvider() (*provider.Provider, error) {
	name := viper.GetString("download.provider")
	switch name {
	case "osm":
		return provider.OSM(), nil
	case "bing":
		return provider.Bing(), nil
	case "custom":
		url := viper.GetString("download.url")
		if url == "" {
			return nil, fmt.Errorf("--provider=custom requires --url")
		}
		return provider.Custom("custom", url, provider.Config{
			Subdomains: viper.GetStringSlice("download.subdomains"),
			MinZoom:    viper.GetInt("download.min_zoom"),
			MaxZoom:    viper.GetInt("download.max_zoom"),
			TileFormat: viper.GetString("download.tile_format"),
			TMS:        viper.GetBool("download.tms"),
		})
	default:
		return nil, fmt.Errorf("unknown provider %q (osm, bing, custom)", name)
	}
}

// parseTiles turns z/x/y strings into coordinates.
func parseTiles(specs []string) ([]tile.Coords, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	tiles := make([]tile.Coords, 0, len(specs))
	for _, s := range specs {
		parts := strings.Split(s, "/")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid tile %q, want z/x/y", s)
		}
		var nums [3]int
		for i, p := range parts {
			n, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil {
				return nil, fmt.Errorf("invalid tile %q: %w", s, err)
			}
			nums[i] = n
		}
		tiles = append(tiles, tile.Coords{Z: nums[0], X: nums[1], Y: nums[2]})
	}
	return tiles, nil
}
