package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/MeKo-Tech/recrop/internal/convert"
	"github.com/MeKo-Tech/recrop/internal/cropper"
	"github.com/MeKo-Tech/recrop/internal/receipt"
	"github.com/MeKo-Tech/recrop/internal/utils"
	"github.com/spf13/cobra"
)

// cropCmd runs detection and cropping on local files.
var cropCmd = &cobra.Command{
	Use:   "crop <file> [files...]",
	Short: "Detect and crop receipts in local files",
	Long: `Run boundary detection and the crop policy on local images or PDFs without
calling the analysis service or touching the store. A SINGLE source must
contain exactly one receipt; a SHARED page yields one crop per receipt.

Examples:
  recrop crop receipt.jpg
  recrop crop page.pdf --kind shared --out crops/`,
	Args:         cobra.MinimumNArgs(1),
	SilenceUsage: true,
	RunE:         runCropCommand,
}

func init() {
	rootCmd.AddCommand(cropCmd)

	cropCmd.Flags().String("kind", string(receipt.SourceSingle), "source kind: SINGLE (ATTACH_FILE) or SHARED (FILE_PATH)")
	cropCmd.Flags().String("out", "crops", "directory for the cropped images")
}

func runCropCommand(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()
	logger := slog.Default()

	kindFlag, _ := cmd.Flags().GetString("kind")
	kind := receipt.ParseSourceKind(kindFlag)
	if !kind.Known() {
		return fmt.Errorf("unknown source kind %q (want SINGLE or SHARED)", kindFlag)
	}
	outDir, _ := cmd.Flags().GetString("out")
	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}

	det, closeDet, err := newBoundaryDetector(cfg, logger)
	if err != nil {
		return err
	}
	if closeDet != nil {
		defer func() { _ = closeDet() }()
	}

	conv, err := convert.New(cfg.ToConvertConfig(outDir), logger)
	if err != nil {
		return fmt.Errorf("failed to create converter: %w", err)
	}
	crop := cropper.New(logger)
	ctx := cmd.Context()

	failed := 0
	for i, path := range args {
		id := receipt.Identity{ContainerID: utils.Stem(path), LineIndex: i + 1}

		raster, err := conv.ToRaster(ctx, path, outDir)
		if err != nil {
			failed++
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s %v\n", path, receipt.CodeUpstream, err)
			continue
		}
		img, _, err := utils.LoadImage(raster)
		if err != nil {
			failed++
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s %v\n", path, receipt.CodeUpstream, err)
			continue
		}
		regions, err := det.Detect(ctx, img)
		if err != nil {
			failed++
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s detection failed: %v\n", path, receipt.CodeUpstream, err)
			continue
		}

		items, serr := crop.Crop(ctx, cropper.Request{
			Image:     img,
			Regions:   regions,
			Kind:      kind,
			Identity:  id,
			SourceRef: path,
			OutDir:    outDir,
			Base:      fmt.Sprintf("%s_%s", utils.Stem(path), kind.Tag()),
		})
		if serr != nil {
			failed++
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s %s (%d regions)\n", path, serr.Code, serr.Code.Description(), len(regions))
			continue
		}
		for _, item := range items {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: receipt %d -> %s\n", path, item.ReceiptIndex, filepath.Clean(item.Path))
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d files could not be cropped", failed, len(args))
	}
	return nil
}
