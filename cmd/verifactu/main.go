// Command verifactu is the operational CLI: it registers, cancels and queries
// invoice records against the authority using a YAML deployment profile, and
// prints QR verification URLs and chain state.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/alcabala/verifactu/pkg/aeat"
	"github.com/alcabala/verifactu/pkg/chain"
	"github.com/alcabala/verifactu/pkg/client"
	"github.com/alcabala/verifactu/pkg/config"
	"github.com/alcabala/verifactu/pkg/credentials"
	"github.com/alcabala/verifactu/pkg/qr"
	"github.com/alcabala/verifactu/pkg/records"
	"github.com/alcabala/verifactu/pkg/retry"
	"github.com/alcabala/verifactu/pkg/statestore"

	_ "github.com/lib/pq" // Postgres driver
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split from main for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "submit":
		return runSubmit(args[2:], stdout, stderr)
	case "cancel":
		return runCancel(args[2:], stdout, stderr)
	case "query":
		return runQuery(args[2:], stdout, stderr)
	case "qr":
		return runQR(args[2:], stdout, stderr)
	case "state":
		return runState(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: verifactu <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  submit  -profile <file> -invoice <file>   register an invoice")
	fmt.Fprintln(w, "  cancel  -profile <file> -series S -number N -date YYYY-MM-DD   cancel an invoice")
	fmt.Fprintln(w, "  query   -profile <file> -series S -number N -date YYYY-MM-DD   query invoice status")
	fmt.Fprintln(w, "  qr      -profile <file> -series S -number N -date YYYY-MM-DD -total T -huella H   print the QR URL")
	fmt.Fprintln(w, "  state   -profile <file>                   print the persisted chain state")
}

// invoiceSchema guards the submit input before decoding; structural problems
// are reported against the document instead of surfacing as zero values in
// record validation.
const invoiceSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["number", "issueDate", "vat"],
  "properties": {
    "series": {"type": "string"},
    "number": {"type": "string", "minLength": 1},
    "issueDate": {"type": "string", "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}$"},
    "invoiceType": {"type": "string", "enum": ["F1", "F2", "F3", "R1", "R2", "R3", "R4", "R5"]},
    "description": {"type": "string"},
    "vat": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["base", "rate", "quota"],
        "properties": {
          "base": {"type": "string"},
          "rate": {"type": "string"},
          "quota": {"type": "string"}
        }
      }
    },
    "recipient": {
      "type": "object",
      "required": ["taxId", "name"],
      "properties": {
        "taxId": {"type": "string", "minLength": 1},
        "name": {"type": "string", "minLength": 1},
        "country": {"type": "string"}
      }
    }
  }
}`

func validateInvoiceDoc(raw []byte) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource("invoice.schema.json", strings.NewReader(invoiceSchema)); err != nil {
		return fmt.Errorf("load invoice schema: %w", err)
	}
	schema, err := c.Compile("invoice.schema.json")
	if err != nil {
		return fmt.Errorf("compile invoice schema: %w", err)
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse invoice: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("invoice document: %w", err)
	}
	return nil
}

// invoiceDoc is the JSON shape accepted by submit.
type invoiceDoc struct {
	Series      string `json:"series"`
	Number      string `json:"number"`
	IssueDate   string `json:"issueDate"`
	InvoiceType string `json:"invoiceType"`
	Description string `json:"description"`
	VAT         []struct {
		Base  string `json:"base"`
		Rate  string `json:"rate"`
		Quota string `json:"quota"`
	} `json:"vat"`
	Recipient *struct {
		TaxID   string `json:"taxId"`
		Name    string `json:"name"`
		Country string `json:"country,omitempty"`
	} `json:"recipient,omitempty"`
}

type env struct {
	profile *config.Profile
	client  *client.Client
	store   statestore.Store
}

// setup builds the client from a profile, resuming the persisted chain state
// when a state backend is configured.
func setup(ctx context.Context, profilePath string, stderr io.Writer) (*env, error) {
	profile, err := config.LoadProfile(profilePath)
	if err != nil {
		return nil, err
	}

	var creds credentials.Provider
	if profile.Certificate.PKCS12File != "" {
		creds, err = credentials.NewFromPKCS12(profile.Certificate.PKCS12File, profile.Certificate.PKCS12Pass)
	} else {
		creds, err = credentials.NewFromPEM(profile.Certificate.CertFile, profile.Certificate.KeyFile)
	}
	if err != nil {
		return nil, err
	}

	store, err := openStore(profile.State.DSN)
	if err != nil {
		return nil, err
	}

	var initial *chain.State
	if store != nil {
		initial, err = store.Load(ctx, profile.Issuer.TaxID)
		if err != nil {
			return nil, err
		}
	}

	policy := retry.DefaultPolicy()
	if profile.Submission.MaxRetries > 0 {
		policy.MaxRetries = profile.Submission.MaxRetries
	}

	c, err := client.New(client.Options{
		Environment: aeat.Environment(profile.Environment),
		Credentials: creds,
		Software: records.Software{
			Name:               profile.Software.Name,
			InstallationNumber: profile.Software.InstallationNumber,
			Version:            profile.Software.Version,
		},
		RequestTimeout: profile.Submission.RequestTimeout.Std(),
		InitialState:   initial,
		RetryPolicy:    &policy,
		MaxConcurrency: profile.Submission.MaxConcurrency,
		QueueTimeout:   profile.Submission.QueueTimeout.Std(),
		Logger:         slog.New(slog.NewTextHandler(stderr, nil)),
	})
	if err != nil {
		return nil, err
	}
	return &env{profile: profile, client: c, store: store}, nil
}

// openStore selects the backend by DSN shape: postgres:// URLs use lib/pq,
// redis:// URLs use go-redis, anything else is a SQLite file path, empty
// means no persistence.
func openStore(dsn string) (statestore.Store, error) {
	switch {
	case dsn == "":
		return nil, nil
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://"):
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return statestore.NewPostgres(db)
	case strings.HasPrefix(dsn, "redis://") || strings.HasPrefix(dsn, "rediss://"):
		return statestore.OpenRedis(dsn)
	default:
		return statestore.OpenSQLite(dsn)
	}
}

func (e *env) persist(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	return e.store.Save(ctx, e.profile.Issuer.TaxID, e.client.ChainState())
}

func runSubmit(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	profilePath := fs.String("profile", "", "profile YAML path")
	invoicePath := fs.String("invoice", "", "invoice JSON path")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *profilePath == "" || *invoicePath == "" {
		fmt.Fprintln(stderr, "submit requires -profile and -invoice")
		return 2
	}

	ctx := context.Background()
	e, err := setup(ctx, *profilePath, stderr)
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return 1
	}

	reg, err := loadInvoice(*invoicePath, e.profile)
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return 1
	}

	resp, err := e.client.SubmitWithRetry(ctx, reg, nil)
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return 1
	}
	if perr := e.persist(ctx); perr != nil {
		fmt.Fprintln(stderr, "Warning: chain state not persisted:", perr)
	}

	fmt.Fprintf(stdout, "state=%s accepted=%t csv=%s huella=%s\n",
		resp.State, resp.Accepted, resp.CSV, resp.Processed.Fingerprint)
	if !resp.Accepted {
		fmt.Fprintf(stdout, "error=%s %s\n", resp.ErrorCode, resp.ErrorDescription)
		return 1
	}

	url, err := qr.VerificationURL(aeat.Environment(e.profile.Environment),
		e.profile.Issuer.TaxID, reg.Invoice, reg.Total, resp.Processed.Fingerprint)
	if err == nil {
		fmt.Fprintf(stdout, "qr=%s\n", url)
	}
	return 0
}

func runCancel(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	fs.SetOutput(stderr)
	profilePath := fs.String("profile", "", "profile YAML path")
	series := fs.String("series", "", "invoice series")
	number := fs.String("number", "", "invoice number")
	date := fs.String("date", "", "issue date YYYY-MM-DD")
	reason := fs.String("reason", "", "cancellation reason")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	invoice, err := parseInvoiceID(*series, *number, *date)
	if err != nil || *profilePath == "" {
		fmt.Fprintln(stderr, "cancel requires -profile, -number and -date")
		return 2
	}

	ctx := context.Background()
	e, err := setup(ctx, *profilePath, stderr)
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return 1
	}

	issuer := records.Party{TaxID: e.profile.Issuer.TaxID, Name: e.profile.Issuer.Name}
	resp, err := e.client.CancelWithRetry(ctx, invoice, issuer, *reason, nil)
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return 1
	}
	if perr := e.persist(ctx); perr != nil {
		fmt.Fprintln(stderr, "Warning: chain state not persisted:", perr)
	}

	fmt.Fprintf(stdout, "state=%s accepted=%t csv=%s\n", resp.State, resp.Accepted, resp.CSV)
	if !resp.Accepted {
		fmt.Fprintf(stdout, "error=%s %s\n", resp.ErrorCode, resp.ErrorDescription)
		return 1
	}
	return 0
}

func runQuery(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	fs.SetOutput(stderr)
	profilePath := fs.String("profile", "", "profile YAML path")
	series := fs.String("series", "", "invoice series")
	number := fs.String("number", "", "invoice number")
	date := fs.String("date", "", "issue date YYYY-MM-DD")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	invoice, err := parseInvoiceID(*series, *number, *date)
	if err != nil || *profilePath == "" {
		fmt.Fprintln(stderr, "query requires -profile, -number and -date")
		return 2
	}

	ctx := context.Background()
	e, err := setup(ctx, *profilePath, stderr)
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return 1
	}

	resp, err := e.client.QueryStatusWithRetry(ctx, invoice, e.profile.Issuer.TaxID, nil)
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return 1
	}
	fmt.Fprintf(stdout, "state=%s csv=%s\n", resp.State, resp.CSV)
	if resp.RegisteredAt != nil {
		fmt.Fprintf(stdout, "registered_at=%s\n", resp.RegisteredAt.Format(time.RFC3339))
	}
	return 0
}

func runQR(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("qr", flag.ContinueOnError)
	fs.SetOutput(stderr)
	profilePath := fs.String("profile", "", "profile YAML path")
	series := fs.String("series", "", "invoice series")
	number := fs.String("number", "", "invoice number")
	date := fs.String("date", "", "issue date YYYY-MM-DD")
	total := fs.String("total", "", "invoice total, e.g. 121.00")
	huella := fs.String("huella", "", "record fingerprint")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	invoice, err := parseInvoiceID(*series, *number, *date)
	if err != nil || *profilePath == "" || *total == "" || *huella == "" {
		fmt.Fprintln(stderr, "qr requires -profile, -number, -date, -total and -huella")
		return 2
	}

	profile, err := config.LoadProfile(*profilePath)
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return 1
	}
	amount, err := records.ParseAmount(*total)
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return 1
	}

	url, err := qr.VerificationURL(aeat.Environment(profile.Environment),
		profile.Issuer.TaxID, invoice, amount, *huella)
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return 1
	}
	fmt.Fprintln(stdout, url)
	return 0
}

func runState(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("state", flag.ContinueOnError)
	fs.SetOutput(stderr)
	profilePath := fs.String("profile", "", "profile YAML path")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *profilePath == "" {
		fmt.Fprintln(stderr, "state requires -profile")
		return 2
	}

	ctx := context.Background()
	profile, err := config.LoadProfile(*profilePath)
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return 1
	}
	store, err := openStore(profile.State.DSN)
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return 1
	}
	if store == nil {
		fmt.Fprintln(stderr, "no state backend configured in profile")
		return 1
	}

	state, err := store.Load(ctx, profile.Issuer.TaxID)
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return 1
	}
	if state == nil {
		fmt.Fprintln(stdout, "no chain state recorded")
		return 0
	}
	raw, err := state.CanonicalJSON()
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return 1
	}
	fmt.Fprintln(stdout, string(raw))
	return 0
}

func parseInvoiceID(series, number, date string) (records.InvoiceID, error) {
	if number == "" || date == "" {
		return records.InvoiceID{}, fmt.Errorf("invoice number and date are required")
	}
	issued, err := time.Parse("2006-01-02", date)
	if err != nil {
		return records.InvoiceID{}, fmt.Errorf("parse issue date: %w", err)
	}
	return records.InvoiceID{Series: series, Number: number, IssueDate: issued}, nil
}

func loadInvoice(path string, profile *config.Profile) (*records.Registration, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read invoice: %w", err)
	}
	if err := validateInvoiceDoc(raw); err != nil {
		return nil, err
	}
	var doc invoiceDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse invoice: %w", err)
	}

	invoice, err := parseInvoiceID(doc.Series, doc.Number, doc.IssueDate)
	if err != nil {
		return nil, err
	}

	var breakdown records.Breakdown
	for _, line := range doc.VAT {
		base, err := records.ParseAmount(line.Base)
		if err != nil {
			return nil, fmt.Errorf("vat base: %w", err)
		}
		quota, err := records.ParseAmount(line.Quota)
		if err != nil {
			return nil, fmt.Errorf("vat quota: %w", err)
		}
		rate, err := records.ParseAmount(line.Rate)
		if err != nil {
			return nil, fmt.Errorf("vat rate: %w", err)
		}
		breakdown.VAT = append(breakdown.VAT, records.VATLine{
			Base: base,
			Rate: rate,
			VAT:  quota,
		})
	}

	invoiceType := doc.InvoiceType
	if invoiceType == "" {
		invoiceType = records.InvoiceTypeStandard
	}
	reg := &records.Registration{
		Issuer:      records.Party{TaxID: profile.Issuer.TaxID, Name: profile.Issuer.Name},
		Invoice:     invoice,
		InvoiceType: invoiceType,
		Description: doc.Description,
		RegimeCodes: []string{"01"},
		Breakdown:   breakdown,
		Total:       breakdown.Total(),
	}
	if doc.Recipient != nil {
		reg.Recipients = []records.Recipient{{
			TaxID:   doc.Recipient.TaxID,
			Name:    doc.Recipient.Name,
			Country: doc.Recipient.Country,
		}}
	}
	return reg, nil
}
