// Package report は評価結果の図を PNG として書き出す。
package report

import (
	"image/color"
	"os"
	"path/filepath"
	"strconv"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/YuminosukeSato/churnpipe/booster"
	"github.com/YuminosukeSato/churnpipe/pkg/errors"
)

const figureSize = 4 * vg.Inch

// SaveROCCurve はROC曲線と対角線を描いて path に保存する。
// 拡張子で出力形式が決まる (.png, .svg, .pdf)。
func SaveROCCurve(fpr, tpr []float64, auc float64, path string) error {
	if len(fpr) == 0 || len(fpr) != len(tpr) {
		return errors.NewDimensionError("SaveROCCurve", len(fpr), len(tpr), 0)
	}

	p := plot.New()
	p.Title.Text = "ROC curve (AUC = " + formatAUC(auc) + ")"
	p.X.Label.Text = "False positive rate"
	p.Y.Label.Text = "True positive rate"
	p.X.Min, p.X.Max = 0, 1
	p.Y.Min, p.Y.Max = 0, 1
	p.Add(plotter.NewGrid())

	pts := make(plotter.XYs, len(fpr))
	for i := range fpr {
		pts[i].X = fpr[i]
		pts[i].Y = tpr[i]
	}
	curve, err := plotter.NewLine(pts)
	if err != nil {
		return errors.Wrap(err, "build roc line")
	}
	curve.LineStyle.Width = vg.Points(2)
	curve.LineStyle.Color = color.RGBA{B: 200, A: 255}

	chance, err := plotter.NewLine(plotter.XYs{{X: 0, Y: 0}, {X: 1, Y: 1}})
	if err != nil {
		return errors.Wrap(err, "build chance line")
	}
	chance.LineStyle.Dashes = []vg.Length{vg.Points(4), vg.Points(4)}
	chance.LineStyle.Color = color.Gray{Y: 128}

	p.Add(curve, chance)
	return save(p, path)
}

// SaveFeatureImportance は上位 top 件の特徴量ゲインを棒グラフにする。
// top <= 0 なら全件。
func SaveFeatureImportance(scores []booster.FeatureScore, top int, path string) error {
	if len(scores) == 0 {
		return errors.NewValueError("SaveFeatureImportance", "no feature scores")
	}
	if top > 0 && top < len(scores) {
		scores = scores[:top]
	}

	values := make(plotter.Values, len(scores))
	names := make([]string, len(scores))
	for i, s := range scores {
		values[i] = s.Gain
		names[i] = s.Feature
	}

	p := plot.New()
	p.Title.Text = "Feature importance (gain)"
	p.Y.Label.Text = "Total gain"

	bars, err := plotter.NewBarChart(values, vg.Points(12))
	if err != nil {
		return errors.Wrap(err, "build bar chart")
	}
	bars.Color = color.RGBA{G: 120, B: 200, A: 255}
	p.Add(bars)
	p.NominalX(names...)
	p.X.Tick.Label.Rotation = 0.8
	p.X.Tick.Label.XAlign = -1

	return save(p, path)
}

func save(p *plot.Plot, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "create directory for %s", path)
	}
	if err := p.Save(figureSize, figureSize, path); err != nil {
		return errors.Wrapf(err, "save plot %s", path)
	}
	return nil
}

func formatAUC(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}
