package main

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/spf13/cobra"

	_ "golang.org/x/image/tiff"

	"orchard-mapper/internal/geo"
	"orchard-mapper/internal/lidar"
	"orchard-mapper/internal/model"
)

func newIngestCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Register fields and sensor sources",
	}
	cmd.AddCommand(newIngestFieldCommand(), newIngestRasterCommand(), newIngestCloudCommand())
	return cmd
}

func newIngestFieldCommand() *cobra.Command {
	var (
		boundaryPath string
		name         string
		spacing      float64
	)
	cmd := &cobra.Command{
		Use:   "field",
		Short: "Register a field from a GeoJSON boundary polygon",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			boundary, err := loadBoundary(boundaryPath)
			if err != nil {
				return err
			}
			f := model.Field{
				ID:               uuid.NewString(),
				Name:             name,
				Boundary:         boundary,
				PlantingSpacingM: spacing,
			}
			if err := e.store.SaveField(cmd.Context(), f); err != nil {
				return err
			}
			fmt.Printf("field %s (%.2f ha)\n", f.ID, f.AreaHa())
			return nil
		},
	}
	cmd.Flags().StringVar(&boundaryPath, "boundary", "", "GeoJSON file with the field polygon (WGS84)")
	cmd.Flags().StringVar(&name, "name", "", "field name")
	cmd.Flags().Float64Var(&spacing, "spacing", 0, "planting spacing in meters (0 = unknown)")
	cmd.MarkFlagRequired("boundary") //nolint:errcheck
	return cmd
}

func newIngestRasterCommand() *cobra.Command {
	var (
		path      string
		epsg      int
		originX   float64
		originY   float64
		pixelSize float64
		hasNIR    bool
	)
	cmd := &cobra.Command{
		Use:   "raster",
		Short: "Register a multispectral raster source",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			if pixelSize <= 0 {
				return fmt.Errorf("pixel-size must be positive, got %g", pixelSize)
			}
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open raster %s: %w", path, err)
			}
			cfg, format, err := image.DecodeConfig(f)
			f.Close()
			if err != nil {
				return fmt.Errorf("decode raster %s: %w", path, err)
			}

			bands := 3
			if hasNIR {
				bands = 4
			}
			src := model.RasterSource{
				ID:        uuid.NewString(),
				Path:      path,
				Width:     cfg.Width,
				Height:    cfg.Height,
				BandCount: bands,
				HasNIR:    hasNIR,
				Transform: geo.GeoTransform{
					OriginX: originX,
					OriginY: originY,
					PixelW:  pixelSize,
					PixelH:  -pixelSize,
				},
				CRS:      geo.CRS{EPSG: epsg},
				Captured: time.Now(),
			}
			if err := e.store.SaveRaster(cmd.Context(), src); err != nil {
				return err
			}
			fmt.Printf("raster %s (%s %dx%d, EPSG:%d)\n", src.ID, format, cfg.Width, cfg.Height, epsg)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "raster file (TIFF, PNG or JPEG)")
	cmd.Flags().IntVar(&epsg, "epsg", 4326, "EPSG code of the raster CRS")
	cmd.Flags().Float64Var(&originX, "origin-x", 0, "geo X of the top-left pixel corner")
	cmd.Flags().Float64Var(&originY, "origin-y", 0, "geo Y of the top-left pixel corner")
	cmd.Flags().Float64Var(&pixelSize, "pixel-size", 0, "pixel size in CRS units")
	cmd.Flags().BoolVar(&hasNIR, "nir", false, "alpha channel carries near-infrared")
	cmd.MarkFlagRequired("path")       //nolint:errcheck
	cmd.MarkFlagRequired("pixel-size") //nolint:errcheck
	return cmd
}

func newIngestCloudCommand() *cobra.Command {
	var (
		path string
		epsg int
	)
	cmd := &cobra.Command{
		Use:   "cloud",
		Short: "Register a classified LiDAR point cloud (XYZC text)",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			crs := geo.CRS{EPSG: epsg}
			cloud, err := lidar.OpenXYZC(path, crs)
			if err != nil {
				return err
			}
			src := model.PointCloudSource{
				ID:                uuid.NewString(),
				Path:              path,
				PointCount:        len(cloud.Points),
				PointDensity:      cloud.Density(),
				CRS:               crs,
				HasClassification: cloud.HasClassification,
				Bounds:            cloudBounds(cloud),
				Captured:          time.Now(),
			}
			if err := e.store.SavePointCloud(cmd.Context(), src); err != nil {
				return err
			}
			fmt.Printf("cloud %s (%d points, %.1f pts/m², EPSG:%d)\n",
				src.ID, src.PointCount, src.PointDensity, epsg)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "point cloud file (x y z [class] per line)")
	cmd.Flags().IntVar(&epsg, "epsg", 0, "EPSG code of the cloud CRS")
	cmd.MarkFlagRequired("path") //nolint:errcheck
	cmd.MarkFlagRequired("epsg") //nolint:errcheck
	return cmd
}

func loadBoundary(path string) (orb.Polygon, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read boundary %s: %w", path, err)
	}
	if fc, err := geojson.UnmarshalFeatureCollection(raw); err == nil {
		for _, f := range fc.Features {
			if poly, ok := f.Geometry.(orb.Polygon); ok {
				return poly, nil
			}
		}
		return nil, fmt.Errorf("boundary %s: no polygon feature found", path)
	}
	f, err := geojson.UnmarshalFeature(raw)
	if err != nil {
		return nil, fmt.Errorf("parse boundary %s: %w", path, err)
	}
	poly, ok := f.Geometry.(orb.Polygon)
	if !ok {
		return nil, fmt.Errorf("boundary %s: geometry is %T, want polygon", path, f.Geometry)
	}
	return poly, nil
}

func cloudBounds(c *lidar.Cloud) orb.Bound {
	pts := make(orb.MultiPoint, len(c.Points))
	for i, p := range c.Points {
		pts[i] = orb.Point{p.X, p.Y}
	}
	return pts.Bound()
}
