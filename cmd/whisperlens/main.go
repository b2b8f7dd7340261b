package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/whisperlens/internal/audio"
	"github.com/loqalabs/whisperlens/internal/domain"
)

var version = "0.1.0-dev"

const usage = "expected one of: submit, status, result, report, cancel, version"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "submit":
		err = runSubmit(os.Args[2:])
	case "status":
		err = runGet(os.Args[2:], "status", "")
	case "result":
		err = runGet(os.Args[2:], "result", "/result")
	case "report":
		err = runReport(os.Args[2:])
	case "cancel":
		err = runCancel(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type client struct {
	base string
	http *http.Client
}

func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	server := fs.String("server", envOr("WHISPERLENS_SERVER", "http://localhost:8080"), "WhisperLens API base URL")
	return fs, server
}

func newClient(server string) *client {
	return &client{base: strings.TrimSuffix(server, "/"), http: &http.Client{Timeout: 5 * time.Minute}}
}

func runSubmit(args []string) error {
	fs, server := newFlagSet("submit")
	wait := fs.Bool("wait", false, "Wait for the job to finish and print its report")
	interval := fs.Duration("interval", time.Second, "Polling interval used with -wait")
	mimeType := fs.String("mime", "", "Override the audio MIME type")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: whisperlens submit [-wait] <audio-file>")
	}
	c := newClient(*server)

	job, err := c.submit(fs.Arg(0), *mimeType)
	if err != nil {
		return err
	}
	if !*wait {
		return printJSON(job)
	}
	fmt.Fprintf(os.Stderr, "submitted %s\n", job.ID)

	for !job.Status.Terminal() {
		time.Sleep(*interval)
		if err := c.getJSON("/v1/jobs/"+job.ID, &job); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "%s: %s\n", job.ID, job.Status)
	}
	if job.Status != domain.JobStatusDone {
		return fmt.Errorf("job %s %s: %s", job.ID, job.Status, job.Error)
	}
	return c.copyTo(os.Stdout, "/v1/jobs/"+job.ID+"/report")
}

func runGet(args []string, name, suffix string) error {
	fs, server := newFlagSet(name)
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: whisperlens %s <job-id>", name)
	}
	var out json.RawMessage
	if err := newClient(*server).getJSON("/v1/jobs/"+fs.Arg(0)+suffix, &out); err != nil {
		return err
	}
	return printJSON(out)
}

func runReport(args []string) error {
	fs, server := newFlagSet("report")
	output := fs.String("o", "", "Write the report to this file instead of stdout")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: whisperlens report [-o file] <job-id>")
	}
	w := io.Writer(os.Stdout)
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	return newClient(*server).copyTo(w, "/v1/jobs/"+fs.Arg(0)+"/report")
}

func runCancel(args []string) error {
	fs, server := newFlagSet("cancel")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: whisperlens cancel <job-id>")
	}
	c := newClient(*server)
	req, err := http.NewRequest(http.MethodDelete, c.base+"/v1/jobs/"+fs.Arg(0), nil)
	if err != nil {
		return err
	}
	var job domain.Job
	if err := c.do(req, &job); err != nil {
		return err
	}
	return printJSON(job)
}

func (c *client) submit(path, mimeType string) (domain.Job, error) {
	f, err := os.Open(path)
	if err != nil {
		return domain.Job{}, err
	}
	defer f.Close()

	if mimeType == "" {
		mimeType = audio.TypeByExtension(path)
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="audio"; filename="%s"`, filepath.Base(path)))
	header.Set("Content-Type", mimeType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return domain.Job{}, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return domain.Job{}, fmt.Errorf("read %s: %w", path, err)
	}
	if err := writer.Close(); err != nil {
		return domain.Job{}, err
	}

	req, err := http.NewRequest(http.MethodPost, c.base+"/v1/jobs", body)
	if err != nil {
		return domain.Job{}, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	var job domain.Job
	if err := c.do(req, &job); err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

func (c *client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return apiError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) copyTo(w io.Writer, path string) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return apiError(resp)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

func apiError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return fmt.Errorf("%s: %s", resp.Status, body.Error)
	}
	return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
