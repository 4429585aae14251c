package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/leadbot/internal/analytics"
	"github.com/kalambet/leadbot/internal/clients"
	"github.com/kalambet/leadbot/internal/config"
	"github.com/kalambet/leadbot/internal/profile"
	"github.com/kalambet/leadbot/internal/scoring"
)

// clientPath builds /clients/{id}/... with every segment path-escaped.
func clientPath(clientID string, segments ...string) string {
	var b strings.Builder
	b.WriteString("/clients/")
	b.WriteString(url.PathEscape(clientID))
	for _, s := range segments {
		b.WriteString("/")
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- clients ---

var clientsCmd = &cobra.Command{
	Use:   "clients",
	Short: "Manage clients (tenants)",
}

var clientsCreateCmd = &cobra.Command{
	Use:   "create <client-id>",
	Short: "Register a client",
	Long: `Register a client.

Examples:
  leadbot clients create acme --number +14155550100
  leadbot clients create acme --number +14155550100 --max-tokens 300 --file-types .pdf,.csv`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := clientCreateFromFlags(cmd, args[0])
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/clients", req)
		if err != nil {
			return err
		}

		var created clients.ClientSettings
		if err := decodeJSON(resp, &created); err != nil {
			return err
		}
		printSuccess("Created client %s", created.ClientID)
		return nil
	},
}

func clientCreateFromFlags(cmd *cobra.Command, clientID string) (clients.Create, error) {
	req := clients.Create{ClientID: clientID}
	req.WhatsAppNumber, _ = cmd.Flags().GetString("number")
	req.CustomInstructions, _ = cmd.Flags().GetString("instructions")
	fileTypes, _ := cmd.Flags().GetString("file-types")
	req.AllowedFileTypes = splitList(fileTypes)

	if cmd.Flags().Changed("max-tokens") {
		n, _ := cmd.Flags().GetInt("max-tokens")
		req.MaxTokens = &n
	}
	if cmd.Flags().Changed("temperature") {
		t, _ := cmd.Flags().GetFloat64("temperature")
		req.Temperature = &t
	}
	if inactive, _ := cmd.Flags().GetBool("inactive"); inactive {
		active := false
		req.Active = &active
	}
	if req.WhatsAppNumber == "" {
		return req, fmt.Errorf("--number is required")
	}
	return req, nil
}

var clientsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List clients",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/clients")
		if err != nil {
			return err
		}

		var list []clients.ClientSettings
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No clients registered.")
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "CLIENT\tNUMBER\tACTIVE\tMAX TOKENS\tTEMPERATURE")
		for _, c := range list {
			fmt.Fprintf(tw, "%s\t%s\t%t\t%d\t%.2f\n",
				colorize(colorCyan, c.ClientID), c.WhatsAppNumber, c.Active, c.MaxTokens, c.Temperature)
		}
		return tw.Flush()
	},
}

var clientsShowCmd = &cobra.Command{
	Use:   "show <client-id>",
	Short: "Show a client's settings as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), clientPath(args[0]))
		if err != nil {
			return err
		}

		var c clients.ClientSettings
		if err := decodeJSON(resp, &c); err != nil {
			return err
		}
		return printJSON(c)
	},
}

var clientsUpdateCmd = &cobra.Command{
	Use:   "update <client-id>",
	Short: "Change a client's settings",
	Long: `Change a client's settings. Only the flags given are applied.

Examples:
  leadbot clients update acme --temperature 0.3
  leadbot clients update acme --active=false`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		upd, err := clientUpdateFromFlags(cmd)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.patch(cmd.Context(), clientPath(args[0]), upd)
		if err != nil {
			return err
		}

		var c clients.ClientSettings
		if err := decodeJSON(resp, &c); err != nil {
			return err
		}
		printSuccess("Updated client %s", c.ClientID)
		return nil
	},
}

func addClientUpdateFlags(cmd *cobra.Command) {
	cmd.Flags().String("number", "", "WhatsApp business number in E.164 form")
	cmd.Flags().Bool("active", true, "enable or disable the bot")
	cmd.Flags().Int("max-tokens", 0, "completion token limit")
	cmd.Flags().Float64("temperature", 0, "sampling temperature (0-2)")
	cmd.Flags().String("instructions", "", "instructions appended to the system prompt")
	cmd.Flags().String("file-types", "", "comma-separated allowed upload types")
}

func clientUpdateFromFlags(cmd *cobra.Command) (clients.Update, error) {
	var upd clients.Update
	flags := cmd.Flags()
	changed := false

	if flags.Changed("number") {
		v, _ := flags.GetString("number")
		upd.WhatsAppNumber, changed = &v, true
	}
	if flags.Changed("active") {
		v, _ := flags.GetBool("active")
		upd.Active, changed = &v, true
	}
	if flags.Changed("max-tokens") {
		v, _ := flags.GetInt("max-tokens")
		upd.MaxTokens, changed = &v, true
	}
	if flags.Changed("temperature") {
		v, _ := flags.GetFloat64("temperature")
		upd.Temperature, changed = &v, true
	}
	if flags.Changed("instructions") {
		v, _ := flags.GetString("instructions")
		upd.CustomInstructions, changed = &v, true
	}
	if flags.Changed("file-types") {
		v, _ := flags.GetString("file-types")
		types := splitList(v)
		if types == nil {
			types = []string{}
		}
		upd.AllowedFileTypes, changed = &types, true
	}

	if !changed {
		return upd, fmt.Errorf("nothing to update, pass at least one setting flag")
	}
	return upd, nil
}

var clientsDeleteCmd = &cobra.Command{
	Use:   "delete <client-id>",
	Short: "Remove a client",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), clientPath(args[0]))
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Deleted client %s", args[0])
		return nil
	},
}

func init() {
	clientsCreateCmd.Flags().String("number", "", "WhatsApp business number in E.164 form")
	clientsCreateCmd.Flags().Int("max-tokens", clients.DefaultMaxTokens, "completion token limit")
	clientsCreateCmd.Flags().Float64("temperature", clients.DefaultTemperature, "sampling temperature (0-2)")
	clientsCreateCmd.Flags().String("instructions", "", "instructions appended to the system prompt")
	clientsCreateCmd.Flags().String("file-types", "", "comma-separated allowed upload types, e.g. .pdf,.csv")
	clientsCreateCmd.Flags().Bool("inactive", false, "create the client disabled")

	addClientUpdateFlags(clientsUpdateCmd)

	clientsCmd.AddCommand(clientsCreateCmd)
	clientsCmd.AddCommand(clientsListCmd)
	clientsCmd.AddCommand(clientsShowCmd)
	clientsCmd.AddCommand(clientsUpdateCmd)
	clientsCmd.AddCommand(clientsDeleteCmd)
}

// --- analytics ---

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Show lead analytics of a client",
}

var analyticsSummaryCmd = &cobra.Command{
	Use:   "summary <client-id>",
	Short: "Audience overview, qualification funnel and conversion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), clientPath(args[0], "analytics"))
		if err != nil {
			return err
		}

		var report analytics.Report
		if err := decodeJSON(resp, &report); err != nil {
			return err
		}
		printReport(report)
		return nil
	},
}

func printReport(r analytics.Report) {
	fmt.Println(colorize(colorBold, "Overview"))
	fmt.Printf("  Users:                 %d\n", r.Overview.TotalUsers)
	fmt.Printf("  Active (24h):          %d\n", r.Overview.ActiveUsers24h)
	fmt.Printf("  Interactions:          %d\n", r.Overview.TotalInteractions)
	fmt.Printf("  Interactions per user: %.2f\n", r.Overview.AvgInteractionsPerUser)

	fmt.Println(colorize(colorBold, "Lead qualification"))
	for _, s := range scoring.Statuses {
		fmt.Printf("  %-18s %d\n", s, r.LeadQualification[s])
	}

	fmt.Println(colorize(colorBold, "Conversion"))
	fmt.Printf("  Customers: %d (%.2f%%)\n", r.Conversion.ConvertedUsers, r.Conversion.ConversionRate)
}

var analyticsSegmentsCmd = &cobra.Command{
	Use:   "segments <client-id>",
	Short: "Users bucketed into high value, need nurturing, at risk and new",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), clientPath(args[0], "segments"))
		if err != nil {
			return err
		}

		var seg analytics.Segments
		if err := decodeJSON(resp, &seg); err != nil {
			return err
		}

		for _, b := range []struct {
			name  string
			users []string
		}{
			{"High value", seg.HighValue},
			{"Need nurturing", seg.NeedNurturing},
			{"At risk", seg.AtRisk},
			{"New", seg.New},
		} {
			fmt.Printf("%s (%d)\n", colorize(colorBold, b.name), len(b.users))
			for _, u := range b.users {
				fmt.Printf("  %s\n", u)
			}
		}
		return nil
	},
}

func init() {
	analyticsCmd.AddCommand(analyticsSummaryCmd)
	analyticsCmd.AddCommand(analyticsSegmentsCmd)
}

// --- users ---

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Inspect customer profiles and lead status",
}

var usersListCmd = &cobra.Command{
	Use:   "list <client-id>",
	Short: "List a client's users with their lead score",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := clientPath(args[0], "users")
		if status != "" {
			path += "?status=" + url.QueryEscape(status)
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var users []profile.UserProfile
		if err := decodeJSON(resp, &users); err != nil {
			return err
		}
		if len(users) == 0 {
			fmt.Println("No users found.")
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PHONE\tNAME\tSTATUS\tSCORE\tMESSAGES\tLAST SEEN")
		for _, u := range users {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
				colorize(colorCyan, u.UserID), u.Name, u.QualificationStatus,
				u.LeadScore.Score, u.InteractionCount, u.LastInteraction.Local().Format(time.DateTime))
		}
		return tw.Flush()
	},
}

var usersShowCmd = &cobra.Command{
	Use:   "show <client-id> <phone>",
	Short: "Show a user profile as JSON",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), clientPath(args[0], "users", args[1]))
		if err != nil {
			return err
		}

		var p profile.UserProfile
		if err := decodeJSON(resp, &p); err != nil {
			return err
		}
		return printJSON(p)
	},
}

var usersSetStatusCmd = &cobra.Command{
	Use:   "set-status <client-id> <phone> <status>",
	Short: "Override a user's qualification status",
	Long: `Override a user's qualification status, e.g. to record a sale.

Statuses: new, investigating, qualified, highly_qualified, customer.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := scoring.ParseStatus(args[2])
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		body := map[string]string{"status": string(status)}
		resp, err := client.post(cmd.Context(), clientPath(args[0], "users", args[1], "status"), body)
		if err != nil {
			return err
		}

		var p profile.UserProfile
		if err := decodeJSON(resp, &p); err != nil {
			return err
		}
		printSuccess("%s is now %s", p.UserID, p.QualificationStatus)
		return nil
	},
}

var usersHistoryCmd = &cobra.Command{
	Use:   "history <client-id> <phone>",
	Short: "Show a user's logged conversation, newest first",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := fmt.Sprintf("%s?limit=%d", clientPath(args[0], "users", args[1], "interactions"), limit)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var rows []struct {
			ID        string    `json:"id"`
			Message   string    `json:"message"`
			Response  string    `json:"response"`
			CreatedAt time.Time `json:"created_at"`
		}
		if err := decodeJSON(resp, &rows); err != nil {
			return err
		}
		if len(rows) == 0 {
			fmt.Println("No interactions found.")
			return nil
		}

		for _, ix := range rows {
			fmt.Printf("%s\n", colorize(colorCyan, ix.CreatedAt.Local().Format(time.DateTime)))
			fmt.Printf("  > %s\n", truncate(ix.Message, 200))
			fmt.Printf("  < %s\n", truncate(ix.Response, 200))
		}
		return nil
	},
}

func init() {
	usersListCmd.Flags().String("status", "", "only users with this qualification status")
	usersHistoryCmd.Flags().Int("limit", 20, "maximum number of interactions to show")

	usersCmd.AddCommand(usersListCmd)
	usersCmd.AddCommand(usersShowCmd)
	usersCmd.AddCommand(usersSetStatusCmd)
	usersCmd.AddCommand(usersHistoryCmd)
}

// --- docs ---

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "Manage a client's knowledge base",
}

type docFlags struct {
	text, url, file string
	title           string
	tags            string
	jsonFields      string
}

// documentRequest builds the upload body. Files are sent base64-encoded with
// their extension as the file type.
func documentRequest(f docFlags) (map[string]any, error) {
	set := 0
	for _, v := range []string{f.text, f.url, f.file} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return nil, fmt.Errorf("exactly one of --text, --url, or --file is required")
	}

	req := map[string]any{}
	if tags := splitList(f.tags); tags != nil {
		req["tags"] = tags
	}
	if f.title != "" {
		req["title"] = f.title
	}

	switch {
	case f.text != "":
		req["type"] = "text"
		req["content"] = f.text
	case f.url != "":
		req["type"] = "url"
		req["url"] = f.url
	case f.file != "":
		data, err := os.ReadFile(f.file)
		if err != nil {
			return nil, fmt.Errorf("reading file: %w", err)
		}
		ext := filepath.Ext(f.file)
		if ext == "" {
			return nil, fmt.Errorf("cannot tell the type of %s, it has no extension", f.file)
		}
		req["type"] = "file"
		req["file_type"] = strings.ToLower(ext)
		req["content"] = base64.StdEncoding.EncodeToString(data)
		if f.title == "" {
			req["title"] = filepath.Base(f.file)
		}
		if fields := splitList(f.jsonFields); fields != nil {
			req["json_fields"] = fields
		}
	}
	return req, nil
}

var docsAddCmd = &cobra.Command{
	Use:   "add <client-id>",
	Short: "Add a document to a client's knowledge base",
	Long: `Add a document to a client's knowledge base. The document is embedded
in the background.

Examples:
  leadbot docs add acme --text "Villas start at 2M" --tags pricing
  leadbot docs add acme --url https://example.com/villas
  leadbot docs add acme --file ./catalog.json --json-fields name,price`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var f docFlags
		f.text, _ = cmd.Flags().GetString("text")
		f.url, _ = cmd.Flags().GetString("url")
		f.file, _ = cmd.Flags().GetString("file")
		f.title, _ = cmd.Flags().GetString("title")
		f.tags, _ = cmd.Flags().GetString("tags")
		f.jsonFields, _ = cmd.Flags().GetString("json-fields")

		req, err := documentRequest(f)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), clientPath(args[0], "documents"), req)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Queued doc %s", result["id"])
		return nil
	},
}

var docsListCmd = &cobra.Command{
	Use:   "list <client-id>",
	Short: "List a client's documents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := fmt.Sprintf("%s?limit=%d&offset=%d", clientPath(args[0], "documents"), limit, offset)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var list []struct {
			ID         string    `json:"id"`
			Title      string    `json:"title"`
			FileType   string    `json:"file_type"`
			ChunkCount int       `json:"chunk_count"`
			CreatedAt  time.Time `json:"created_at"`
		}
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No documents found.")
			return nil
		}

		for _, d := range list {
			chunks := fmt.Sprintf("%d chunks", d.ChunkCount)
			if d.ChunkCount == 0 {
				chunks = "pending"
			}
			fmt.Printf("%s  %-5s  %-10s  %s\n",
				colorize(colorCyan, d.ID), d.FileType, chunks, truncate(d.Title, 60))
		}
		return nil
	},
}

var docsDeleteCmd = &cobra.Command{
	Use:   "delete <client-id> <doc-id>",
	Short: "Delete a document and its embeddings",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), clientPath(args[0], "documents", args[1]))
		if err != nil {
			return err
		}

		var result map[string]any
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Deleted doc %s", args[1])
		return nil
	},
}

func init() {
	docsAddCmd.Flags().String("text", "", "text content to add")
	docsAddCmd.Flags().String("url", "", "URL to fetch and add")
	docsAddCmd.Flags().String("file", "", "file to upload (.txt, .pdf, .csv, .json, .xlsx, .html, .md)")
	docsAddCmd.Flags().String("title", "", "title for the document")
	docsAddCmd.Flags().String("tags", "", "comma-separated tags")
	docsAddCmd.Flags().String("json-fields", "", "for JSON files, comma-separated fields to keep")

	docsListCmd.Flags().Int("limit", 20, "maximum number of documents to list")
	docsListCmd.Flags().Int("offset", 0, "number of documents to skip")

	docsCmd.AddCommand(docsAddCmd)
	docsCmd.AddCommand(docsListCmd)
	docsCmd.AddCommand(docsDeleteCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadUnvalidated()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "$"+k.EnvVar))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return fmt.Errorf("%w (valid keys: %s)", err, strings.Join(config.ValidKeys(), ", "))
		}

		printSuccess("Set %s", key)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
