package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/pbxops/pbxprov/internal/allocator"
	"github.com/pbxops/pbxprov/internal/batch"
	"github.com/pbxops/pbxprov/internal/goip"
	"github.com/pbxops/pbxprov/internal/models"
	"github.com/pbxops/pbxprov/internal/pbx"
	"github.com/pbxops/pbxprov/internal/provisioner"
	"github.com/pbxops/pbxprov/internal/secondary"
	"github.com/pbxops/pbxprov/internal/session"
)

var (
	store    *session.ProfileStore
	sessions = session.NewRegistry()
)

// detail strings longer than this are truncated in summary tables; the full
// text stays in logs and errors.
const summaryDetailLimit = 80

func InitCLI(profileStore *session.ProfileStore) *cobra.Command {
	store = profileStore

	rootCmd := &cobra.Command{
		Use:   "pbxprov",
		Short: "PBX Provisioning Orchestrator",
		Long: `PBX Provisioning Orchestrator

Bulk-provision extensions, inbound/outbound routes and GSM gateway slots
against a FreePBX instance and its GOIP gateway.`,
	}
	rootCmd.PersistentFlags().StringP("session", "s", "", "Saved profile key (defaults to the only saved profile)")

	// Connect command
	connectCmd := &cobra.Command{
		Use:   "connect",
		Short: "Authenticate against a PBX and save the profile",
		Run:   connectSession,
	}
	connectCmd.Flags().String("base-url", "", "PBX base URL, e.g. https://pbx.example.org (required)")
	connectCmd.Flags().String("client-id", "", "API client id (required)")
	connectCmd.Flags().String("client-secret", "", "API client secret (required)")
	connectCmd.Flags().Bool("verify-tls", false, "Verify the PBX TLS certificate")
	connectCmd.Flags().String("ssh-host", "", "PBX host for the SSH channel (optional)")
	connectCmd.Flags().Int("ssh-port", 22, "SSH port")
	connectCmd.Flags().String("ssh-user", "root", "SSH user")
	connectCmd.Flags().String("ssh-password", "", "SSH password")
	connectCmd.Flags().String("db-host", "", "PBX database host for a direct SQL connection (optional)")
	connectCmd.Flags().Int("db-port", 3306, "PBX database port")
	connectCmd.Flags().String("db-user", "freepbxuser", "PBX database user")
	connectCmd.Flags().String("db-password", "", "PBX database password")
	connectCmd.Flags().String("db-name", "asterisk", "PBX database name")
	connectCmd.Flags().String("goip-url", "", "GOIP gateway base URL (optional)")
	connectCmd.Flags().String("goip-login", "admin", "GOIP web login")
	connectCmd.Flags().String("goip-password", "", "GOIP web password")
	connectCmd.MarkFlagRequired("base-url")
	connectCmd.MarkFlagRequired("client-id")
	connectCmd.MarkFlagRequired("client-secret")

	// Profile commands
	profilesCmd := &cobra.Command{
		Use:   "profiles",
		Short: "Manage saved connection profiles",
	}
	profilesListCmd := &cobra.Command{
		Use:   "list",
		Short: "List saved profiles",
		Run:   listProfiles,
	}
	profilesRmCmd := &cobra.Command{
		Use:   "rm <key>",
		Short: "Remove a saved profile",
		Args:  cobra.ExactArgs(1),
		Run:   removeProfile,
	}
	profilesCmd.AddCommand(profilesListCmd, profilesRmCmd)

	// Extension commands
	extCmd := &cobra.Command{
		Use:   "ext",
		Short: "Manage extensions",
	}
	extListCmd := &cobra.Command{
		Use:   "list",
		Short: "List all extensions",
		Run:   listExtensions,
	}
	extListCmd.Flags().Bool("show-secrets", false, "Print SIP secrets instead of masking them")

	extCreateCmd := &cobra.Command{
		Use:   "create <equipment-code> <count>",
		Short: "Create N extensions in an equipment block",
		Long:  "Create N new extensions in the equipment block (code 4 covers 401-500), skipping numbers already taken.",
		Args:  cobra.ExactArgs(2),
		Run:   createExtensions,
	}
	extCreateCmd.Flags().String("name-prefix", "", "Prefix for extension display names")

	extAddCmd := &cobra.Command{
		Use:   "add <targets...>",
		Short: "Create specific extensions",
		Long:  "Create the listed extensions. Targets accept numbers and ranges: 401 402 410-418.",
		Args:  cobra.MinimumNArgs(1),
		Run:   addExtensions,
	}
	extDelCmd := &cobra.Command{
		Use:   "del <targets...>",
		Short: "Delete specific extensions",
		Args:  cobra.MinimumNArgs(1),
		Run:   deleteExtensions,
	}
	extDelEqCmd := &cobra.Command{
		Use:   "del-eq <equipment-code>",
		Short: "Delete every extension in an equipment block",
		Args:  cobra.ExactArgs(1),
		Run:   deleteEquipment,
	}
	extDelAllCmd := &cobra.Command{
		Use:   "del-all",
		Short: "Delete every extension on the PBX",
		Run:   deleteAllExtensions,
	}
	extCmd.AddCommand(extListCmd, extCreateCmd, extAddCmd, extDelCmd, extDelEqCmd, extDelAllCmd)

	// Inbound route commands
	inboundCmd := &cobra.Command{
		Use:   "inbound",
		Short: "Manage inbound routes",
	}
	inboundListCmd := &cobra.Command{
		Use:   "list",
		Short: "List inbound routes",
		Run:   listInboundRoutes,
	}
	inboundAddCmd := &cobra.Command{
		Use:   "add <targets...>",
		Short: "Add inbound routes for existing extensions (DID = extension)",
		Args:  cobra.MinimumNArgs(1),
		Run:   addInboundRoutes,
	}
	inboundDelCmd := &cobra.Command{
		Use:   "del <targets...>",
		Short: "Delete the inbound routes matching the target DIDs",
		Args:  cobra.MinimumNArgs(1),
		Run:   deleteInboundRoutes,
	}
	inboundCmd.AddCommand(inboundListCmd, inboundAddCmd, inboundDelCmd)

	// Secret command
	secretCmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage SIP secrets over the SSH channel",
	}
	secretSetCmd := &cobra.Command{
		Use:   "set <targets...>",
		Short: "Rewrite SIP secrets (random per extension unless --secret is given)",
		Args:  cobra.MinimumNArgs(1),
		Run:   setSecrets,
	}
	secretSetCmd.Flags().String("secret", "", "Explicit secret for every target (default: random per extension)")
	secretCmd.AddCommand(secretSetCmd)

	// Trunk command
	trunkCmd := &cobra.Command{
		Use:   "trunk",
		Short: "Manage pjsip trunks over the SSH channel",
	}
	trunkSetIPCmd := &cobra.Command{
		Use:   "set-ip <trunk-name> <ip>",
		Short: "Rewrite a trunk's sip_server and verify",
		Args:  cobra.ExactArgs(2),
		Run:   setTrunkIP,
	}
	trunkCmd.AddCommand(trunkSetIPCmd)

	// Outbound route command
	outboundCmd := &cobra.Command{
		Use:   "outbound",
		Short: "Manage outbound routes over the SSH channel",
	}
	outboundCreateCmd := &cobra.Command{
		Use:   "create <route-name>",
		Short: "Create an outbound route with per-number dial patterns",
		Args:  cobra.ExactArgs(1),
		Run:   createOutboundRoute,
	}
	outboundCreateCmd.Flags().String("range", "", "Prepend number range, e.g. 001-032 (required)")
	outboundCreateCmd.Flags().String("cid-range", "", "Caller id range (defaults to --range)")
	outboundCreateCmd.Flags().String("trunks", "", "Comma-separated trunk names to bind, in order")
	outboundCreateCmd.MarkFlagRequired("range")
	outboundCmd.AddCommand(outboundCreateCmd)

	// GOIP commands
	goipCmd := &cobra.Command{
		Use:   "goip",
		Short: "Manage the GOIP GSM gateway",
	}
	goipStatusCmd := &cobra.Command{
		Use:   "status",
		Short: "Probe the gateway status page",
		Run:   goipStatus,
	}
	goipSlotCmd := &cobra.Command{
		Use:   "slot <targets...>",
		Short: "Enable or disable forwarding on the slots of the target extensions",
		Args:  cobra.MinimumNArgs(1),
		Run:   goipSlots,
	}
	goipSlotCmd.Flags().Int("range-start", 0, "First extension of the equipment block (required)")
	goipSlotCmd.Flags().Bool("off", false, "Disable forwarding instead of enabling it")
	goipSlotCmd.MarkFlagRequired("range-start")
	goipCmd.AddCommand(goipStatusCmd, goipSlotCmd)

	// Schema commands
	schemaCmd := &cobra.Command{
		Use:   "schema",
		Short: "Inspect the PBX GraphQL schema",
	}
	schemaQueriesCmd := &cobra.Command{
		Use:   "queries",
		Short: "List top-level query fields",
		Run:   schemaQueries,
	}
	schemaMutationsCmd := &cobra.Command{
		Use:   "mutations",
		Short: "List mutations",
		Run:   schemaMutations,
	}
	schemaCmd.AddCommand(schemaQueriesCmd, schemaMutationsCmd)

	// Apply command
	applyCmd := &cobra.Command{
		Use:   "apply",
		Short: "Activate pending PBX configuration changes",
		Run:   applyConfig,
	}

	rootCmd.AddCommand(connectCmd, profilesCmd, extCmd, inboundCmd, secretCmd,
		trunkCmd, outboundCmd, goipCmd, schemaCmd, applyCmd)

	return rootCmd
}

// mustSession resolves the --session flag against the live registry,
// populating it from the profile store on first use. Resolving through the
// registry keeps bearer tokens cached for the life of the process instead of
// re-reading the (tokenless) profile file per operation.
func mustSession(cmd *cobra.Command) *models.Session {
	key, _ := cmd.Flags().GetString("session")

	if len(sessions.Keys()) == 0 {
		profiles, err := store.Load()
		if err != nil {
			color.Red("Error: Failed to load profiles: %v", err)
			os.Exit(1)
		}
		for _, s := range profiles {
			sessions.Put(s)
		}
	}

	keys := sessions.Keys()
	if key == "" {
		switch len(keys) {
		case 1:
			key = keys[0]
		case 0:
			color.Red("Error: No saved profiles. Run 'pbxprov connect' first")
			os.Exit(1)
		default:
			color.Red("Error: %d profiles saved; pick one with --session (see 'pbxprov profiles list')", len(keys))
			os.Exit(1)
		}
	}
	s, err := sessions.Get(key)
	if err != nil {
		color.Red("Error: No saved profile '%s'", key)
		os.Exit(1)
	}
	return s
}

func newProvisioner(sess *models.Session) *provisioner.Provisioner {
	p := &provisioner.Provisioner{
		PBX: pbx.New(sess),
		Progress: func(done, total int) {
			fmt.Printf("  ... %d/%d\n", done, total)
		},
	}
	if sess.SSH != nil {
		p.Channel = secondary.NewChannel(secondary.NewSSHRunner(sess.SSH))
	} else if sess.DB != nil {
		runner, err := secondary.NewDirectRunner(sess.DB.Host, sess.DB.Port, sess.DB.User, sess.DB.Password, sess.DB.Name)
		if err != nil {
			color.Red("Error: Failed to open database connection: %v", err)
			os.Exit(1)
		}
		p.Channel = secondary.NewChannel(runner).WithApplyFallback(p.PBX.ApplyConfig)
	}
	if sess.GoIP != nil {
		p.Device = goip.New(sess.GoIP)
	}
	return p
}

func mustChannel(p *provisioner.Provisioner) *secondary.Channel {
	if p.Channel == nil {
		color.Red("Error: This command needs SSH or database credentials; reconnect with --ssh-host/--ssh-password or --db-host/--db-password")
		os.Exit(1)
	}
	return p.Channel
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	response, _ := reader.ReadString('\n')
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "y" || response == "yes"
}

func joinTargets(args []string) string { return strings.Join(args, " ") }

func shortDetail(s string) string {
	r := []rune(s)
	if len(r) <= summaryDetailLimit {
		return s
	}
	return string(r[:summaryDetailLimit]) + "…"
}

// printBatch renders a per-item table, the partitioned counts and the apply
// status, then exits nonzero when any item failed.
func printBatch(res *batch.Result) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Target", "Outcome", "Detail"})
	table.SetBorder(true)
	table.SetRowLine(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	for _, it := range res.Items {
		var outcome string
		switch it.Outcome {
		case batch.Succeeded:
			outcome = color.GreenString("OK")
		case batch.SkippedExists:
			outcome = color.YellowString("Exists")
		case batch.SkippedPrecondition:
			outcome = color.YellowString("Skipped")
		case batch.Failed:
			outcome = color.RedString("Failed")
		}
		table.Append([]string{it.Target, outcome, shortDetail(it.Detail)})
	}
	table.Render()

	counts := res.Counts()
	fmt.Printf("\nSucceeded: %d  Skipped: %d  Failed: %d  (%.1fs)\n",
		counts[batch.Succeeded],
		counts[batch.SkippedExists]+counts[batch.SkippedPrecondition],
		counts[batch.Failed],
		res.Elapsed.Seconds())

	switch {
	case res.ApplyErr != nil:
		color.Red("✗ Apply failed: %v", res.ApplyErr)
	case res.Applied:
		color.Green("✓ Configuration applied")
	}

	if counts[batch.Failed] > 0 || res.ApplyErr != nil {
		os.Exit(1)
	}
}

func connectSession(cmd *cobra.Command, args []string) {
	baseURL, _ := cmd.Flags().GetString("base-url")
	clientID, _ := cmd.Flags().GetString("client-id")
	clientSecret, _ := cmd.Flags().GetString("client-secret")
	verifyTLS, _ := cmd.Flags().GetBool("verify-tls")

	sess := &models.Session{
		Key:          session.ProfileKey(baseURL, clientID),
		BaseURL:      strings.TrimRight(baseURL, "/"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		VerifyTLS:    verifyTLS,
	}

	if host, _ := cmd.Flags().GetString("ssh-host"); host != "" {
		port, _ := cmd.Flags().GetInt("ssh-port")
		user, _ := cmd.Flags().GetString("ssh-user")
		password, _ := cmd.Flags().GetString("ssh-password")
		sess.SSH = &models.SSHCredentials{Host: host, Port: port, User: user, Password: password}
	}
	if host, _ := cmd.Flags().GetString("db-host"); host != "" {
		port, _ := cmd.Flags().GetInt("db-port")
		user, _ := cmd.Flags().GetString("db-user")
		password, _ := cmd.Flags().GetString("db-password")
		name, _ := cmd.Flags().GetString("db-name")
		sess.DB = &models.DBCredentials{Host: host, Port: port, User: user, Password: password, Name: name}
	}
	if url, _ := cmd.Flags().GetString("goip-url"); url != "" {
		login, _ := cmd.Flags().GetString("goip-login")
		password, _ := cmd.Flags().GetString("goip-password")
		sess.GoIP = &models.GoIPDevice{BaseURL: url, Login: login, Password: password, VerifyTLS: verifyTLS}
	}

	if err := pbx.New(sess).EnsureToken(context.Background()); err != nil {
		color.Red("Error: Authentication failed: %v", err)
		os.Exit(1)
	}
	if err := store.Upsert(sess); err != nil {
		color.Red("Error: Failed to save profile: %v", err)
		os.Exit(1)
	}
	sessions.Put(sess)

	color.Green("✓ Connected to %s", sess.BaseURL)
	fmt.Printf("\nProfile Details:\n")
	fmt.Printf("  Key: %s\n", sess.Key)
	fmt.Printf("  Token expires: %s\n", sess.TokenExpiry.Format("2006-01-02 15:04:05"))
	if sess.SSH != nil {
		fmt.Printf("  SSH: %s@%s:%d\n", sess.SSH.User, sess.SSH.Host, sess.SSH.Port)
	}
	if sess.DB != nil {
		fmt.Printf("  DB: %s@%s:%d/%s\n", sess.DB.User, sess.DB.Host, sess.DB.Port, sess.DB.Name)
	}
	if sess.GoIP != nil {
		fmt.Printf("  GOIP: %s\n", sess.GoIP.BaseURL)
	}
}

func listProfiles(cmd *cobra.Command, args []string) {
	profiles, err := store.Load()
	if err != nil {
		color.Red("Error: Failed to load profiles: %v", err)
		os.Exit(1)
	}
	if len(profiles) == 0 {
		fmt.Println("No saved profiles")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Key", "Base URL", "Client ID", "SSH", "GOIP"})
	table.SetBorder(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	for key, s := range profiles {
		ssh := "-"
		if s.SSH != nil {
			ssh = fmt.Sprintf("%s@%s", s.SSH.User, s.SSH.Host)
		}
		dev := "-"
		if s.GoIP != nil {
			dev = s.GoIP.BaseURL
		}
		table.Append([]string{key, s.BaseURL, s.ClientID, ssh, dev})
	}
	table.Render()
	fmt.Printf("\nTotal: %d profiles\n", len(profiles))
}

func removeProfile(cmd *cobra.Command, args []string) {
	if err := store.Remove(args[0]); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
	sessions.Delete(args[0])
	color.Green("✓ Profile '%s' removed", args[0])
}

func listExtensions(cmd *cobra.Command, args []string) {
	showSecrets, _ := cmd.Flags().GetBool("show-secrets")
	p := newProvisioner(mustSession(cmd))

	exts, err := p.PBX.FetchAllExtensions(context.Background())
	if err != nil {
		color.Red("Error: Failed to list extensions: %v", err)
		os.Exit(1)
	}
	if len(exts) == 0 {
		fmt.Println("No extensions found")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Extension", "Name", "Secret"})
	table.SetBorder(true)
	table.SetRowLine(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	for _, e := range exts {
		secret := strings.Repeat("*", 8)
		if showSecrets {
			secret = e.Secret
		} else if e.Secret == "" {
			secret = "-"
		}
		table.Append([]string{e.ID, e.Name, secret})
	}
	table.Render()
	fmt.Printf("\nTotal: %d extensions\n", len(exts))
}

func createExtensions(cmd *cobra.Command, args []string) {
	code, err := strconv.Atoi(args[0])
	if err != nil || code <= 0 {
		color.Red("Error: Equipment code must be a positive number")
		os.Exit(1)
	}
	count, err := strconv.Atoi(args[1])
	if err != nil || count <= 0 {
		color.Red("Error: Count must be a positive number")
		os.Exit(1)
	}
	namePrefix, _ := cmd.Flags().GetString("name-prefix")

	p := newProvisioner(mustSession(cmd))
	res, err := p.CreateExtensions(context.Background(), code, count, namePrefix)
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}

	// Print credentials before the summary; they exist nowhere else.
	for _, it := range res.Items {
		if it.Outcome == batch.Succeeded {
			fmt.Printf("%s  %s\n", it.Target, it.Detail)
		}
	}
	printBatch(res)
}

func addExtensions(cmd *cobra.Command, args []string) {
	p := newProvisioner(mustSession(cmd))
	res, err := p.AddExtensions(context.Background(), joinTargets(args))
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
	for _, it := range res.Items {
		if it.Outcome == batch.Succeeded {
			fmt.Printf("%s  %s\n", it.Target, it.Detail)
		}
	}
	printBatch(res)
}

func deleteExtensions(cmd *cobra.Command, args []string) {
	spec := joinTargets(args)
	if !confirm(fmt.Sprintf("Delete extensions %s?", spec)) {
		fmt.Println("Deletion cancelled")
		return
	}
	p := newProvisioner(mustSession(cmd))
	res, err := p.DeleteTargetSpec(context.Background(), spec)
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
	printBatch(res)
}

func deleteEquipment(cmd *cobra.Command, args []string) {
	code, err := strconv.Atoi(args[0])
	if err != nil || code <= 0 {
		color.Red("Error: Equipment code must be a positive number")
		os.Exit(1)
	}
	lo, hi := allocator.EquipmentRange(code)
	if !confirm(fmt.Sprintf("Delete every extension in %d-%d?", lo, hi)) {
		fmt.Println("Deletion cancelled")
		return
	}
	p := newProvisioner(mustSession(cmd))
	res, err := p.DeleteEquipment(context.Background(), code)
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
	printBatch(res)
}

func deleteAllExtensions(cmd *cobra.Command, args []string) {
	if !confirm("Delete EVERY extension on the PBX?") {
		fmt.Println("Deletion cancelled")
		return
	}
	p := newProvisioner(mustSession(cmd))
	res, err := p.DeleteAll(context.Background())
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
	printBatch(res)
}

func listInboundRoutes(cmd *cobra.Command, args []string) {
	p := newProvisioner(mustSession(cmd))
	routes, err := p.PBX.FetchInboundRoutes(context.Background())
	if err != nil {
		color.Red("Error: Failed to list inbound routes: %v", err)
		os.Exit(1)
	}
	if len(routes) == 0 {
		fmt.Println("No inbound routes found")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "DID", "Description", "Destination"})
	table.SetBorder(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, r := range routes {
		table.Append([]string{r.ID, r.DID, r.Description, r.Destination})
	}
	table.Render()
	fmt.Printf("\nTotal: %d routes\n", len(routes))
}

func addInboundRoutes(cmd *cobra.Command, args []string) {
	p := newProvisioner(mustSession(cmd))
	res, err := p.AddInboundRoutes(context.Background(), joinTargets(args))
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
	printBatch(res)
}

func deleteInboundRoutes(cmd *cobra.Command, args []string) {
	spec := joinTargets(args)
	if !confirm(fmt.Sprintf("Delete inbound routes for %s?", spec)) {
		fmt.Println("Deletion cancelled")
		return
	}
	p := newProvisioner(mustSession(cmd))
	res, err := p.RemoveInboundRoutes(context.Background(), spec)
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
	printBatch(res)
}

func setSecrets(cmd *cobra.Command, args []string) {
	secret, _ := cmd.Flags().GetString("secret")
	p := newProvisioner(mustSession(cmd))
	mustChannel(p)

	res, err := p.SetSecrets(context.Background(), joinTargets(args), secret)
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
	for _, it := range res.Items {
		if it.Outcome == batch.Succeeded {
			fmt.Printf("%s  %s\n", it.Target, it.Detail)
		}
	}
	printBatch(res)
}

func setTrunkIP(cmd *cobra.Command, args []string) {
	p := newProvisioner(mustSession(cmd))
	ch := mustChannel(p)

	res, err := ch.SetTrunkSipServer(context.Background(), args[0], args[1])
	if err != nil {
		color.Red("Error: Failed to update trunk: %v", err)
		os.Exit(1)
	}

	color.Green("✓ Trunk '%s' updated", res.TrunkName)
	fmt.Printf("\nTrunk Details:\n")
	fmt.Printf("  ID: %s\n", res.TrunkID)
	fmt.Printf("  sip_server: %s → %s\n", res.OldValue, res.NewValue)
}

func createOutboundRoute(cmd *cobra.Command, args []string) {
	rangeSpec, _ := cmd.Flags().GetString("range")
	cidRange, _ := cmd.Flags().GetString("cid-range")
	trunksFlag, _ := cmd.Flags().GetString("trunks")

	var trunks []string
	for _, t := range strings.Split(trunksFlag, ",") {
		if t = strings.TrimSpace(t); t != "" {
			trunks = append(trunks, t)
		}
	}

	p := newProvisioner(mustSession(cmd))
	ch := mustChannel(p)

	res, err := ch.CreateOutboundRoute(context.Background(), secondary.OutboundRouteOptions{
		RouteName:     args[0],
		PrependRange:  rangeSpec,
		CallerIDRange: cidRange,
		TrunkNames:    trunks,
	})
	if err != nil {
		color.Red("Error: Failed to create outbound route: %v", err)
		os.Exit(1)
	}

	color.Green("✓ Outbound route '%s' provisioned", res.RouteName)
	fmt.Printf("\nRoute Details:\n")
	fmt.Printf("  ID: %s\n", res.RouteID)
	fmt.Printf("  Patterns: %d\n", res.PatternsCreated)
	if len(res.TrunksBound) > 0 {
		fmt.Printf("  Trunks: %s\n", strings.Join(res.TrunksBound, ", "))
	}
}

func goipStatus(cmd *cobra.Command, args []string) {
	sess := mustSession(cmd)
	if sess.GoIP == nil {
		color.Red("Error: No GOIP device saved; reconnect with --goip-url")
		os.Exit(1)
	}

	status, msg := goip.New(sess.GoIP).CheckStatus(context.Background())
	switch status {
	case goip.StatusReady:
		color.Green("✓ Device ready: %s", msg)
	case goip.StatusUnauthorized:
		color.Red("✗ Device rejected credentials: %s", msg)
		os.Exit(1)
	default:
		color.Red("✗ Device unreachable: %s", msg)
		os.Exit(1)
	}
}

func goipSlots(cmd *cobra.Command, args []string) {
	rangeStart, _ := cmd.Flags().GetInt("range-start")
	off, _ := cmd.Flags().GetBool("off")

	targets, err := allocator.ExpandTargets(joinTargets(args))
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}

	p := newProvisioner(mustSession(cmd))
	res, err := p.SyncSlots(context.Background(), targets, rangeStart, !off)
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
	printBatch(res)
}

func schemaQueries(cmd *cobra.Command, args []string) {
	p := newProvisioner(mustSession(cmd))
	fields, err := p.PBX.ListQueryFields(context.Background())
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
	for _, f := range fields {
		fmt.Println(f)
	}
	fmt.Printf("\nTotal: %d query fields\n", len(fields))
}

func schemaMutations(cmd *cobra.Command, args []string) {
	p := newProvisioner(mustSession(cmd))
	fields, err := p.PBX.ListMutations(context.Background())
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
	for _, f := range fields {
		fmt.Println(f)
	}
	fmt.Printf("\nTotal: %d mutations\n", len(fields))
}

func applyConfig(cmd *cobra.Command, args []string) {
	p := newProvisioner(mustSession(cmd))
	if err := p.PBX.ApplyConfig(context.Background()); err != nil {
		color.Red("Error: Apply failed: %v", err)
		os.Exit(1)
	}
	color.Green("✓ Configuration applied")
}
