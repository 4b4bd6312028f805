// Package shapefileexport adapts the teacher's zip-of-shapefile-plus-JSON
// bundler (utils/shapefile-generator.go) from a raw GeoJSON feature slice
// onto classifier.ValidationError: every exported record is a point shape
// (the error location) with its QC attributes as DBF fields, per spec.md
// §6's error-store layout.
package shapefileexport

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jonas-p/go-shp"

	"github.com/bsaid97/go-geoqc/classifier"
)

// BaseName is the file stem used for every component written into the zip.
const BaseName = "qc_errors"

// dbfFieldWidth is the DBF string-field width used for free-text columns;
// long messages are truncated to fit (DBF caps a character field at 254).
const dbfFieldWidth = 200

// ExportZip bundles a JSON copy of errs alongside a point shapefile
// (.shp/.shx/.dbf), mirroring the teacher's GenerateShapefileZip.
func ExportZip(errs []classifier.ValidationError) ([]byte, error) {
	jsonData, err := json.Marshal(errs)
	if err != nil {
		return nil, fmt.Errorf("shapefileexport: marshal JSON: %w", err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	jsonFile, err := zw.Create(BaseName + ".json")
	if err != nil {
		return nil, fmt.Errorf("shapefileexport: create json entry: %w", err)
	}
	if _, err := jsonFile.Write(jsonData); err != nil {
		return nil, fmt.Errorf("shapefileexport: write json entry: %w", err)
	}

	if len(errs) > 0 {
		if err := addShapefile(zw, errs); err != nil {
			return nil, fmt.Errorf("shapefileexport: add shapefile: %w", err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("shapefileexport: close zip: %w", err)
	}
	return buf.Bytes(), nil
}

func addShapefile(zw *zip.Writer, errs []classifier.ValidationError) error {
	tempDir, err := os.MkdirTemp("", "qc_shapefile_")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	shpPath := filepath.Join(tempDir, BaseName+".shp")
	if err := writeShapefile(shpPath, errs); err != nil {
		return err
	}

	for _, ext := range []string{".shp", ".shx", ".dbf"} {
		path := strings.TrimSuffix(shpPath, ".shp") + ext
		content, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("read shapefile component %s: %w", ext, err)
		}
		zf, err := zw.Create(BaseName + ext)
		if err != nil {
			return fmt.Errorf("create zip entry %s: %w", ext, err)
		}
		if _, err := zf.Write(content); err != nil {
			return fmt.Errorf("write zip entry %s: %w", ext, err)
		}
	}
	return nil
}

func writeShapefile(path string, errs []classifier.ValidationError) error {
	writer, err := shp.Create(path, shp.POINT)
	if err != nil {
		return fmt.Errorf("create shapefile: %w", err)
	}
	defer writer.Close()

	fields := []shp.Field{
		shp.StringField("ERR_CODE", 20),
		shp.StringField("SEVERITY", 12),
		shp.StringField("SRC_LAYER", 64),
		shp.NumberField("SRC_FID", 15),
		shp.StringField("TGT_LAYER", 64),
		shp.NumberField("TGT_FID", 15),
		shp.StringField("MESSAGE", dbfFieldWidth),
		shp.FloatField("ERR_VALUE", 18, 6),
	}
	writer.SetFields(fields)

	for i, e := range errs {
		writer.Write(&shp.Point{X: e.X, Y: e.Y})

		targetLayer, targetFID := "", 0
		if e.TargetFeatureID != nil {
			targetFID = int(*e.TargetFeatureID)
		}
		targetLayer = e.TargetLayer

		errValue := 0.0
		if e.ErrorValue != nil {
			errValue = *e.ErrorValue
		}

		writer.WriteAttribute(i, 0, e.ErrorCode)
		writer.WriteAttribute(i, 1, e.Severity.String())
		writer.WriteAttribute(i, 2, e.SourceLayer)
		writer.WriteAttribute(i, 3, int(e.SourceFeatureID))
		writer.WriteAttribute(i, 4, targetLayer)
		writer.WriteAttribute(i, 5, targetFID)
		writer.WriteAttribute(i, 6, truncate(e.Message, dbfFieldWidth))
		writer.WriteAttribute(i, 7, errValue)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
