package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"

	"visualdiff/internal/db"
	"visualdiff/internal/pdiff"
)

type smoke struct {
	c     *http.Client
	base  string
	token string
}

func main() {
	_ = godotenv.Load()

	var (
		s         = &smoke{c: &http.Client{Timeout: 12 * time.Second}}
		wait      time.Duration
		testPDiff bool
	)
	cmd := &cli.Command{
		Name:  "smoke",
		Usage: "Drives one baseline and one candidate release through a running API and worker",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "base",
				Usage:       "API base URL",
				Value:       "http://localhost:8000",
				Destination: &s.base,
				Sources:     cli.EnvVars("API_BASE_URL"),
			},
			&cli.StringFlag{
				Name:        "token",
				Usage:       "API token",
				Destination: &s.token,
				Sources:     cli.EnvVars("VISUALDIFF_API_TOKEN"),
			},
			&cli.DurationFlag{
				Name:        "wait",
				Usage:       "How long to poll for the worker to finish a release",
				Value:       2 * time.Minute,
				Destination: &wait,
			},
			&cli.BoolFlag{
				Name:        "test-pdiff",
				Usage:       "Run the docker differ directly on two generated screenshots",
				Destination: &testPDiff,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if testPDiff {
				testPDiffDirectly(ctx)
				return nil
			}
			s.run(wait)
			return nil
		},
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fatalf("%v", err)
	}
}

func (s *smoke) run(wait time.Duration) {
	// 1) Build
	var build db.Build
	if err := s.postJSON("/api/build", map[string]any{"name": "smoke-" + strconv.FormatInt(time.Now().Unix(), 10)}, &build); err != nil {
		fatalf("create build: %v", err)
	}
	fmt.Printf("✅ Created build: id=%s\n", build.ID)

	// 2) Baseline release, finished as good
	before := s.candidate(build.ID, screenshot(color.White), wait)
	if err := s.postJSON("/api/release_done", map[string]any{
		"build_id": build.ID, "name": before.Name, "number": before.Number, "status": "good",
	}, &before); err != nil {
		fatalf("mark baseline good: %v", err)
	}
	fmt.Printf("✅ Baseline %s #%d is %s\n", before.Name, before.Number, before.Status)

	// 3) Candidate with a changed pixel
	after := s.candidate(build.ID, screenshot(color.Black), wait)

	var runs struct {
		Runs []db.Run `json:"runs"`
	}
	if err := s.getJSON(fmt.Sprintf("/api/release/%s/%s/%d/runs", build.ID, after.Name, after.Number), &runs); err != nil {
		fatalf("list runs: %v", err)
	}
	for _, r := range runs.Runs {
		fmt.Printf("ℹ️  run %s previous=%v diff_image=%v diff_log=%v\n",
			r.Name, deref(r.PreviousID), deref(r.DiffImage), deref(r.DiffLog))
		if r.DiffImage == nil {
			fatalf("expected a diff image for run %s", r.Name)
		}
	}

	fmt.Printf("🎉 Smoke run OK. BuildID=%s\n", build.ID)
}

// candidate cuts a release, reports one run and waits for it to reach
// reviewing.
func (s *smoke) candidate(buildID string, shot []byte, wait time.Duration) db.Release {
	var rel db.Release
	if err := s.postJSON("/api/release", map[string]any{"build_id": buildID, "name": "main"}, &rel); err != nil {
		fatalf("create release: %v", err)
	}
	fmt.Printf("✅ Created release %s #%d\n", rel.Name, rel.Number)

	var art db.Artifact
	if err := s.upload("home.png", shot, &art); err != nil {
		fatalf("upload: %v", err)
	}
	fmt.Printf("✅ Uploaded screenshot %s (%s)\n", art.ID, art.ContentType)

	key := map[string]any{"build_id": buildID, "name": rel.Name, "number": rel.Number}
	var run db.Run
	if err := s.postJSON("/api/report_run", map[string]any{
		"build_id": buildID, "name": rel.Name, "number": rel.Number,
		"run_name": "home", "image": art.ID,
	}, &run); err != nil {
		fatalf("report run: %v", err)
	}
	fmt.Printf("✅ Reported run %s previous=%v\n", run.ID, deref(run.PreviousID))

	if err := s.postJSON("/api/runs_done", key, &rel); err != nil {
		fatalf("runs done: %v", err)
	}

	deadline := time.Now().Add(wait)
	for rel.Status != db.StatusReviewing {
		if time.Now().After(deadline) {
			fatalf("release still %s after %s; is the worker running?", rel.Status, wait)
		}
		time.Sleep(2 * time.Second)
		if err := s.getJSON(fmt.Sprintf("/api/release/%s/%s/%d", buildID, rel.Name, rel.Number), &rel); err != nil {
			fatalf("get release: %v", err)
		}
	}
	fmt.Printf("✅ Release %s #%d is reviewing\n", rel.Name, rel.Number)
	return rel
}

// screenshot renders a small PNG whose centre pixel is c.
func screenshot(c color.Color) []byte {
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for x := 0; x < 16; x++ {
		for y := 0; y < 16; y++ {
			img.Set(x, y, color.White)
		}
	}
	img.Set(8, 8, c)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// --- helpers ---

func (s *smoke) do(method, path string, body io.Reader, contentType string, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, s.base+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	res, err := s.c.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		b, _ := io.ReadAll(res.Body)
		return fmt.Errorf("%s %s -> %d: %s", method, path, res.StatusCode, string(b))
	}
	if out != nil {
		return json.NewDecoder(res.Body).Decode(out)
	}
	return nil
}

func (s *smoke) postJSON(path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return s.do(http.MethodPost, path, bytes.NewReader(b), "application/json", out)
}

func (s *smoke) getJSON(path string, out any) error {
	return s.do(http.MethodGet, path, nil, "", out)
}

func (s *smoke) upload(name string, data []byte, out any) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return err
	}
	if _, err := fw.Write(data); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}
	return s.do(http.MethodPost, "/api/upload", &buf, mw.FormDataContentType(), out)
}

func deref(p *string) string {
	if p == nil {
		return "-"
	}
	return *p
}

func fatalf(format string, args ...any) {
	fmt.Printf("❌ "+format+"\n", args...)
	os.Exit(1)
}

// testPDiffDirectly runs the docker differ on two generated screenshots.
func testPDiffDirectly(ctx context.Context) {
	fmt.Println("🧪 Testing pdiff runner directly...")

	runner, err := pdiff.NewRunner()
	if err != nil {
		fatalf("docker client: %v", err)
	}
	defer runner.Close()

	same, err := runner.Compare(ctx, screenshot(color.White), screenshot(color.White))
	if err != nil {
		fatalf("compare identical: %v", err)
	}
	fmt.Printf("  identical: different=%t metric=%s\n", same.Different, same.Metric)

	diff, err := runner.Compare(ctx, screenshot(color.White), screenshot(color.Black))
	if err != nil {
		fatalf("compare changed: %v", err)
	}
	fmt.Printf("  changed:   different=%t metric=%s diff_image=%d bytes\n", diff.Different, diff.Metric, len(diff.DiffImage))
	fmt.Printf("  📤 Log:\n%s\n", diff.Log)

	if same.Different || !diff.Different {
		fatalf("unexpected comparison results")
	}
	fmt.Println("🎉 pdiff runner OK.")
}
