package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/KamaTechOrg/BSDFlow/internal/app"
	"github.com/KamaTechOrg/BSDFlow/internal/config"
	"github.com/KamaTechOrg/BSDFlow/internal/db"
	"github.com/KamaTechOrg/BSDFlow/internal/domain"
	"github.com/KamaTechOrg/BSDFlow/internal/entity"
	"github.com/KamaTechOrg/BSDFlow/internal/process"
	"github.com/KamaTechOrg/BSDFlow/internal/scalar"
	"github.com/KamaTechOrg/BSDFlow/internal/schema"
	"github.com/KamaTechOrg/BSDFlow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "bsdflow",
	Short: "BSDFlow CLI",
	Long: `BSDFlow manages tenant-defined entity schemas, condition trees and
step-by-step processes. Definitions live in the workspace database
(.bsdflow); the serve command exposes them over HTTP and the worker
command advances running instances in the background.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("BSDFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("tenant", "default", "tenant identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("tenant", rootCmd.PersistentFlags().Lookup("tenant"))
}

func registerCommands() {
	rootCmd.AddCommand(typeCmd())
	rootCmd.AddCommand(entityCmd())
	rootCmd.AddCommand(queryCmd())
	rootCmd.AddCommand(conditionCmd())
	rootCmd.AddCommand(processCmd())
	rootCmd.AddCommand(eventCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
}

func tenant() string  { return viper.GetString("tenant") }
func actorID() string { return viper.GetString("actor-id") }

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// --- type commands ---

func typeCmd() *cobra.Command {
	c := &cobra.Command{Use: "type", Short: "Manage entity types"}
	c.AddCommand(typeCreateCmd())
	c.AddCommand(typeListCmd())
	c.AddCommand(typeShowCmd())
	c.AddCommand(fieldCmd())
	return c
}

// parseFieldSpec reads name:type[:required][:validator] shorthand.
func parseFieldSpec(spec string) (domain.FieldDef, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 2 {
		return domain.FieldDef{}, fmt.Errorf("field spec %q must be name:type[:required][:validator]", spec)
	}
	f := domain.FieldDef{Name: parts[0], Type: domain.FieldType(parts[1])}
	for _, p := range parts[2:] {
		if p == "required" {
			f.Required = true
			continue
		}
		f.Validator = &domain.ValidatorSpec{Name: p}
	}
	return f, nil
}

func typeCreateCmd() *cobra.Command {
	var id, name string
	var fieldSpecs []string
	var fieldsJSON string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an entity type",
		RunE: func(cmd *cobra.Command, args []string) error {
			var fields []domain.FieldDef
			for _, spec := range fieldSpecs {
				f, err := parseFieldSpec(spec)
				if err != nil {
					return err
				}
				fields = append(fields, f)
			}
			if fieldsJSON != "" {
				if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
					return fmt.Errorf("parse --fields-json: %w", err)
				}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Schemas.CreateType(ctx, schema.TypeCreateOptions{
					Tenant:  tenant(),
					ID:      id,
					Name:    name,
					Fields:  fields,
					ActorID: actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "type id (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "type name")
	cmd.Flags().StringArrayVar(&fieldSpecs, "field", nil, "field as name:type[:required][:validator]; repeatable")
	cmd.Flags().StringVar(&fieldsJSON, "fields-json", "", "field definitions as a JSON array")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func typeListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List entity types",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Schemas.ListTypes(ctx, tenant())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Version", "Fields"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Name, t.Version, len(t.Fields)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func typeShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <type-id>",
		Short: "Show an entity type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Schemas.GetType(ctx, tenant(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func fieldCmd() *cobra.Command {
	c := &cobra.Command{Use: "field", Short: "Manage fields of an entity type"}
	c.AddCommand(fieldModifyCmd())
	c.AddCommand(fieldRemoveCmd())
	c.AddCommand(fieldRestoreCmd())
	return c
}

func fieldModifyCmd() *cobra.Command {
	var name, ftype, validator string
	var required bool
	var clearValidator bool
	cmd := &cobra.Command{
		Use:   "modify <type-id> <field-id>",
		Short: "Rename, retype or re-flag a field",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch := schema.FieldPatch{}
			if cmd.Flags().Changed("name") {
				patch.Rename = &name
			}
			if cmd.Flags().Changed("type") {
				ft := domain.FieldType(ftype)
				patch.Retype = &ft
			}
			if cmd.Flags().Changed("required") {
				patch.Required = &required
			}
			if clearValidator {
				var none *domain.ValidatorSpec
				patch.Validator = &none
			} else if cmd.Flags().Changed("validator") {
				spec := &domain.ValidatorSpec{Name: validator}
				patch.Validator = &spec
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Schemas.ModifyField(ctx, tenant(), args[0], args[1], patch, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "new field name")
	cmd.Flags().StringVar(&ftype, "type", "", "new field type")
	cmd.Flags().BoolVar(&required, "required", false, "required flag")
	cmd.Flags().StringVar(&validator, "validator", "", "validator name")
	cmd.Flags().BoolVar(&clearValidator, "clear-validator", false, "drop the validator")
	return cmd
}

func fieldRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <type-id> <field-id>",
		Short: "Soft-delete a field",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Schemas.RemoveField(ctx, tenant(), args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func fieldRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <type-id> <field-id>",
		Short: "Restore a soft-deleted field",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Schemas.RestoreField(ctx, tenant(), args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

// --- entity commands ---

func entityCmd() *cobra.Command {
	c := &cobra.Command{Use: "entity", Short: "Manage entities"}
	c.AddCommand(entityCreateCmd())
	c.AddCommand(entityUpdateCmd())
	c.AddCommand(entityShowCmd())
	c.AddCommand(entityListCmd())
	return c
}

func parseFields(raw string) (map[string]scalar.Value, error) {
	if raw == "" {
		return nil, nil
	}
	var anyFields map[string]any
	if err := json.Unmarshal([]byte(raw), &anyFields); err != nil {
		return nil, fmt.Errorf("parse --fields: %w", err)
	}
	out := make(map[string]scalar.Value, len(anyFields))
	for k, v := range anyFields {
		sv, err := scalar.FromAny(v)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		out[k] = sv
	}
	return out, nil
}

func entityCreateCmd() *cobra.Command {
	var typeID, id, fieldsRaw string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an entity",
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseFields(fieldsRaw)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				e, err := a.Entities.Create(ctx, entity.CreateOptions{
					Tenant:  tenant(),
					Type:    typeID,
					ID:      id,
					Fields:  fields,
					ActorID: actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(e)
			})
		},
	}
	cmd.Flags().StringVar(&typeID, "type", "", "entity type id")
	cmd.Flags().StringVar(&id, "id", "", "entity id (generated when empty)")
	cmd.Flags().StringVar(&fieldsRaw, "fields", "", `field values as JSON, e.g. '{"<field-id>":"value"}'`)
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func entityUpdateCmd() *cobra.Command {
	var typeID, fieldsRaw string
	var revision int64
	cmd := &cobra.Command{
		Use:   "update <entity-id>",
		Short: "Update entity fields at a known revision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseFields(fieldsRaw)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				e, err := a.Entities.Update(ctx, entity.UpdateOptions{
					Tenant:   tenant(),
					Type:     typeID,
					ID:       args[0],
					Fields:   fields,
					Revision: revision,
					ActorID:  actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(e)
			})
		},
	}
	cmd.Flags().StringVar(&typeID, "type", "", "entity type id")
	cmd.Flags().StringVar(&fieldsRaw, "fields", "", "field patch as JSON; null clears a field")
	cmd.Flags().Int64Var(&revision, "revision", 0, "revision last read")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("revision")
	return cmd
}

func entityShowCmd() *cobra.Command {
	var typeID string
	var includeDeleted bool
	cmd := &cobra.Command{
		Use:   "show <entity-id>",
		Short: "Show an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				e, err := a.Entities.Get(ctx, tenant(), typeID, args[0], includeDeleted)
				if err != nil {
					return err
				}
				return printJSONOrTable(e)
			})
		},
	}
	cmd.Flags().StringVar(&typeID, "type", "", "entity type id")
	cmd.Flags().BoolVar(&includeDeleted, "include-deleted", false, "include values of soft-deleted fields")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func entityListCmd() *cobra.Command {
	var typeID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List entities of a type",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Entities.List(ctx, tenant(), typeID, limit, false)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Revision", "Created By", "Updated"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.Revision, e.CreatedBy, e.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&typeID, "type", "", "entity type id")
	cmd.Flags().IntVar(&limit, "limit", 100, "max rows")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

// --- query / condition commands ---

func queryCmd() *cobra.Command {
	c := &cobra.Command{Use: "query", Short: "Manage query definitions"}
	c.AddCommand(queryCreateCmd())
	c.AddCommand(queryListCmd())
	return c
}

func queryCreateCmd() *cobra.Command {
	var id, source, field, createdBy string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a query",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				q, err := a.Schemas.CreateQuery(ctx, domain.Query{
					Tenant:    tenant(),
					ID:        id,
					Source:    domain.QuerySource(source),
					CreatedBy: createdBy,
					Field:     field,
				}, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(q)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "query id (generated when empty)")
	cmd.Flags().StringVar(&source, "source", "entity", "source (entity, event, document)")
	cmd.Flags().StringVar(&field, "field", "", "field id or name to read")
	cmd.Flags().StringVar(&createdBy, "created-by", "", "restrict entity lookup to records created by this actor")
	_ = cmd.MarkFlagRequired("field")
	return cmd
}

func queryListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Schemas.Repo.ListQueries(ctx, tenant())
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func conditionCmd() *cobra.Command {
	c := &cobra.Command{Use: "condition", Short: "Manage condition trees"}
	c.AddCommand(conditionCreateCmd())
	c.AddCommand(conditionShowCmd())
	return c
}

func conditionCreateCmd() *cobra.Command {
	var id, treeRaw string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a condition tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			var tree domain.Condition
			if err := json.Unmarshal([]byte(treeRaw), &tree); err != nil {
				return fmt.Errorf("parse --tree: %w", err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				c, err := a.Schemas.CreateCondition(ctx, domain.NamedCondition{
					Tenant: tenant(),
					ID:     id,
					Tree:   &tree,
				}, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "condition id (generated when empty)")
	cmd.Flags().StringVar(&treeRaw, "tree", "", "condition tree as JSON")
	_ = cmd.MarkFlagRequired("tree")
	return cmd
}

func conditionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <condition-id>",
		Short: "Show a condition tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				c, err := a.Schemas.GetCondition(ctx, tenant(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

// --- process commands ---

func processCmd() *cobra.Command {
	c := &cobra.Command{Use: "process", Short: "Manage process definitions"}
	c.AddCommand(processCreateCmd())
	c.AddCommand(processListCmd())
	c.AddCommand(processShowCmd())
	c.AddCommand(stepCmd())
	return c
}

func processCreateCmd() *cobra.Command {
	var id, name, stepsRaw string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a process",
		RunE: func(cmd *cobra.Command, args []string) error {
			var steps []domain.StepDef
			if stepsRaw != "" {
				if err := json.Unmarshal([]byte(stepsRaw), &steps); err != nil {
					return fmt.Errorf("parse --steps: %w", err)
				}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Schemas.CreateProcess(ctx, schema.ProcessCreateOptions{
					Tenant:  tenant(),
					ID:      id,
					Name:    name,
					Steps:   steps,
					ActorID: actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "process id (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "process name")
	cmd.Flags().StringVar(&stepsRaw, "steps", "", "step definitions as a JSON array")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func processListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Schemas.Repo.ListProcesses(ctx, tenant())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Version", "Steps"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Version, len(p.Steps)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func processShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <process-id>",
		Short: "Show a process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Schemas.GetProcess(ctx, tenant(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func stepCmd() *cobra.Command {
	c := &cobra.Command{Use: "step", Short: "Manage steps of a process"}
	remove := &cobra.Command{
		Use:   "remove <process-id> <step-id>",
		Short: "Soft-delete a step",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Schemas.RemoveStep(ctx, tenant(), args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	restore := &cobra.Command{
		Use:   "restore <process-id> <step-id>",
		Short: "Restore a soft-deleted step",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Schemas.RestoreStep(ctx, tenant(), args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	c.AddCommand(remove, restore)
	return c
}

// --- event commands ---

func eventCmd() *cobra.Command {
	c := &cobra.Command{Use: "event", Short: "Manage process instances"}
	c.AddCommand(eventStartCmd())
	c.AddCommand(eventShowCmd())
	c.AddCommand(eventListCmd())
	c.AddCommand(eventAdvanceCmd())
	c.AddCommand(eventAbortCmd())
	return c
}

func eventStartCmd() *cobra.Command {
	var id, processID string
	var entityRefs []string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a process instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			var refs []domain.EntityID
			for _, spec := range entityRefs {
				parts := strings.SplitN(spec, "/", 2)
				if len(parts) != 2 {
					return fmt.Errorf("entity ref %q must be type-id/entity-id", spec)
				}
				refs = append(refs, domain.EntityID{Type: parts[0], ID: parts[1]})
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ev, err := a.Engine.Start(ctx, process.StartOptions{
					Tenant:    tenant(),
					ID:        id,
					ProcessID: processID,
					Entities:  refs,
					ActorID:   actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "event id (generated when empty)")
	cmd.Flags().StringVar(&processID, "process", "", "process id")
	cmd.Flags().StringArrayVar(&entityRefs, "entity", nil, "bound entity as type-id/entity-id; repeatable")
	_ = cmd.MarkFlagRequired("process")
	return cmd
}

func eventShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <event-id>",
		Short: "Show a process instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ev, err := a.Engine.Get(ctx, tenant(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
}

func eventListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List process instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.List(ctx, tenant(), domain.EventStatus(status), limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Process", "Status", "Cursor", "Steps", "Updated"})
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.ID, ev.ProcessID, ev.Status, ev.Cursor, len(ev.Steps), ev.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (running, completed, failed, aborted)")
	cmd.Flags().IntVar(&limit, "limit", 100, "max rows")
	return cmd
}

func eventAdvanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "advance <event-id>",
		Short: "Attempt the current step now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ev, err := a.Engine.Advance(ctx, tenant(), args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
}

func eventAbortCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "abort <event-id>",
		Short: "Abort a process instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ev, err := a.Engine.Abort(ctx, tenant(), args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
}

// --- journal / config / token ---

func logCmd() *cobra.Command {
	c := &cobra.Command{Use: "log", Short: "Inspect the audit journal"}
	var n int
	var after int64
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent journal entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Schemas.Repo.JournalAfter(ctx, tenant(), after, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Kind", "Entity", "Actor"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind, e.EntityID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 50, "max entries")
	tail.Flags().Int64Var(&after, "after", 0, "only entries with id greater than this")
	c.AddCommand(tail)
	return c
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	c.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default bsdflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if cfg == nil {
				cfg = config.Default()
			}
			return printJSONOrTable(cfg)
		},
	})
	return c
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development JWT for the current tenant and actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("BSDFLOW_JWT_SECRET")
			token, err := server.MintToken(secret, tenant(), actorID(), ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

// --- serve / worker ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	var withWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Open(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer a.Close()
			if addr == "" {
				addr = a.Config.Server.Addr
			}
			if basePath == "" {
				basePath = a.Config.Server.BasePath
			}
			secret := os.Getenv("BSDFLOW_JWT_SECRET")
			if secret == "" {
				secret = a.Config.Server.Auth.Secret
			}
			authCfg := server.AuthConfig{JWTSecret: secret, AllowHeaderAuth: secret == ""}
			handler, err := server.New(server.Config{App: a, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			if withWorker {
				pool := process.NewPool(a.Engine)
				pool.Workers = a.Config.Engine.Worker.Count
				pool.Interval = a.Config.WorkerInterval()
				go pool.Run(cmd.Context())
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving BSDFlow API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/api/v1", "API base path")
	cmd.Flags().BoolVar(&withWorker, "with-worker", false, "also run the background worker pool")
	return cmd
}

func workerCmd() *cobra.Command {
	var count int
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the background worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				pool := process.NewPool(a.Engine)
				if count > 0 {
					pool.Workers = count
				} else if a.Config.Engine.Worker.Count > 0 {
					pool.Workers = a.Config.Engine.Worker.Count
				}
				if interval > 0 {
					pool.Interval = interval
				} else {
					pool.Interval = a.Config.WorkerInterval()
				}
				fmt.Printf("Running %d workers every %s\n", pool.Workers, pool.Interval)
				err := pool.Run(ctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().IntVar(&count, "count", 0, "worker goroutines")
	cmd.Flags().DurationVar(&interval, "interval", 0, "poll interval")
	return cmd
}

// --- output helpers ---

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
