package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ERPlora/module-messaging/internal/channel"
	"github.com/ERPlora/module-messaging/internal/template"
)

var (
	templateChannel string
	templateVars    []string
)

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Template commands",
}

var templateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the tenant's templates",
	RunE:  runTemplateList,
}

var templateRenderCmd = &cobra.Command{
	Use:   "render <template_id|name>",
	Short: "Render a template with variables",
	Long: `Render a template locally without sending it.

Example:
  messaging template render reminder --channel email --var name=Ana --var time=10:00`,
	Args: cobra.ExactArgs(1),
	RunE: runTemplateRender,
}

func init() {
	templateListCmd.Flags().StringVar(&templateChannel, "channel", "", "Filter by channel")

	templateRenderCmd.Flags().StringVar(&templateChannel, "channel", "", "Target channel (default: the template's)")
	templateRenderCmd.Flags().StringArrayVar(&templateVars, "var", nil, "Variable as name=value (repeatable)")

	templateCmd.AddCommand(templateListCmd, templateRenderCmd)
	rootCmd.AddCommand(templateCmd)
}

func runTemplateList(cmd *cobra.Command, args []string) error {
	s, err := openStores()
	if err != nil {
		return err
	}
	defer s.Close()

	list, err := s.templates.List(context.Background(), tenantID, template.ListFilter{Channel: channel.Channel(templateChannel)})
	if err != nil {
		return fmt.Errorf("failed to list templates: %w", err)
	}

	if len(list) == 0 {
		fmt.Println("No templates")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCHANNEL\tCATEGORY\tACTIVE\tVARIABLES")
	for _, t := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n",
			t.ID, t.Name, t.Channel, t.Category, t.IsActive, strings.Join(t.Variables, ","))
	}
	w.Flush()
	return nil
}

func runTemplateRender(cmd *cobra.Command, args []string) error {
	s, err := openStores()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := context.Background()
	tmpl, err := s.templates.Get(ctx, tenantID, args[0])
	if err != nil {
		tmpl, err = s.templates.GetByName(ctx, tenantID, args[0])
	}
	if err != nil {
		return fmt.Errorf("failed to get template: %w", err)
	}

	bindings := make(map[string]string, len(templateVars))
	for _, v := range templateVars {
		name, value, ok := strings.Cut(v, "=")
		if !ok {
			return fmt.Errorf("invalid --var %q (want name=value)", v)
		}
		bindings[name] = value
	}

	target := channel.Channel(templateChannel)
	if target == "" {
		target = tmpl.Channel
	}
	if target == channel.All {
		target = channel.Email
	}

	result, err := template.Render(tmpl, target, bindings)
	if err != nil {
		return err
	}

	if result.Subject != "" {
		fmt.Printf("Subject: %s\n\n", result.Subject)
	}
	fmt.Println(result.Body)
	return nil
}
