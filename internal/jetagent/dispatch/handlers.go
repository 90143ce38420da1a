package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bdobrica/jet-agent/internal/jetagent/audit"
	"github.com/bdobrica/jet-agent/internal/jetagent/flavor"
	"github.com/bdobrica/jet-agent/internal/jetagent/inventory"
	"github.com/bdobrica/jet-agent/internal/jetagent/lifecycle"
	"github.com/bdobrica/jet-agent/internal/jetagent/network"
	"github.com/bdobrica/jet-agent/internal/jetagent/runtime"
	"github.com/bdobrica/jet-agent/internal/jetagent/storage"
)

// Descriptions is the registry write the add-description command needs.
type Descriptions interface {
	UpdateDescription(ctx context.Context, name, text string) error
}

// Inventory produces the read models of the inspection commands.
type Inventory interface {
	Get(ctx context.Context, name string) (inventory.Summary, error)
	List(ctx context.Context) ([]inventory.Summary, error)
	Containers(ctx context.Context) ([]runtime.ContainerSummary, error)
}

// Collaborators are the subsystems the command handlers call.
type Collaborators struct {
	Lifecycle    lifecycle.Gateway
	Descriptions Descriptions
	Inventory    Inventory
	Storage      storage.Volumes
	Network      network.Networking
	Flavors      map[string]flavor.Flavor
}

// Schemas of every command the agent understands.
var (
	createSchema         = Schema{"create", []Field{{"name", Name, false}, {"flavor", Name, false}, {"extra", Text, true}}}
	deleteSchema         = Schema{"delete", []Field{{"name", Name, false}}}
	createStorageSchema  = Schema{"create-storage", []Field{{"name", Name, false}, {"spec", Text, false}, {"size", Name, false}}}
	restartSchema        = Schema{"restart", []Field{{"name", Name, false}, {"flavor", Name, false}}}
	stopSchema           = Schema{"stop", []Field{{"name", Name, false}}}
	describeSchema       = Schema{"add-description", []Field{{"name", Name, false}, {"text", Text, false}}}
	floatingIPSchema     = Schema{"add-floating-ip", []Field{{"name", Name, false}, {"ip", IP, false}}}
	listStorageSchema    = Schema{"list-storage", nil}
	instanceSchema       = Schema{"instance", []Field{{"name", Name, false}}}
	listSchema           = Schema{"list", nil}
	listContainersSchema = Schema{"list-containers", nil}
)

// RegisterAll installs the standard command set on r.
func RegisterAll(r *Router, c Collaborators) {
	h := &handlers{c: c}

	r.Register(Route{Schema: createSchema, Handler: h.create, Audit: audit.KindInstanceCreated})
	r.Register(Route{Schema: deleteSchema, Handler: h.delete, Audit: audit.KindInstanceDeleted})
	r.Register(Route{Schema: createStorageSchema, Handler: h.createStorage, Audit: audit.KindStorageCreated})
	r.Register(Route{Schema: restartSchema, Handler: h.restart, Audit: audit.KindInstanceRestarted})
	r.Register(Route{Schema: stopSchema, Handler: h.stop, Audit: audit.KindInstanceStopped})
	r.Register(Route{Schema: describeSchema, Handler: h.addDescription, Audit: audit.KindInstanceDescribed})
	r.Register(Route{Schema: floatingIPSchema, Handler: h.addFloatingIP, Audit: audit.KindFloatingIPAttached})

	r.Register(Route{Schema: listStorageSchema, Handler: h.listStorage, Replies: true})
	r.Register(Route{Schema: instanceSchema, Handler: h.instance, Replies: true})
	r.Register(Route{Schema: listSchema, Handler: h.list, Replies: true})
	r.Register(Route{Schema: listContainersSchema, Handler: h.listContainers, Replies: true})
}

type handlers struct {
	c Collaborators
}

func (h *handlers) flavor(spec string) (flavor.Flavor, error) {
	f, err := flavor.Resolve(spec, h.c.Flavors)
	if err != nil {
		return flavor.Flavor{}, fmt.Errorf("%w: %w", ErrInvalidArgs, err)
	}
	return f, nil
}

func (h *handlers) create(ctx context.Context, args Args) (any, error) {
	f, err := h.flavor(args.Get("flavor"))
	if err != nil {
		return nil, err
	}
	return nil, h.c.Lifecycle.Create(ctx, args.Get("name"), f, args.Get("extra"))
}

func (h *handlers) delete(ctx context.Context, args Args) (any, error) {
	existed, err := h.c.Lifecycle.Delete(ctx, args.Get("name"))
	if err != nil {
		return nil, err
	}
	if !existed {
		slog.Info("dispatch: delete of unknown instance", "instance", args.Get("name"))
	}
	return existed, nil
}

func (h *handlers) createStorage(ctx context.Context, args Args) (any, error) {
	return nil, h.c.Storage.CreateVolume(ctx, args.Get("name"), args.Get("spec"), args.Get("size"))
}

func (h *handlers) restart(ctx context.Context, args Args) (any, error) {
	f, err := h.flavor(args.Get("flavor"))
	if err != nil {
		return nil, err
	}
	return nil, h.c.Lifecycle.Restart(ctx, args.Get("name"), f)
}

func (h *handlers) stop(ctx context.Context, args Args) (any, error) {
	return nil, h.c.Lifecycle.Stop(ctx, args.Get("name"))
}

func (h *handlers) addDescription(ctx context.Context, args Args) (any, error) {
	return nil, h.c.Descriptions.UpdateDescription(ctx, args.Get("name"), args.Get("text"))
}

// addFloatingIP drops whatever rule the instance had before attaching ip.
func (h *handlers) addFloatingIP(ctx context.Context, args Args) (any, error) {
	name := args.Get("name")
	if err := h.c.Network.RemoveFirewallRule(ctx, name); err != nil {
		return nil, fmt.Errorf("remove previous rule: %w", err)
	}
	return nil, h.c.Network.AttachFloatingIP(ctx, name, args.Get("ip"))
}

func (h *handlers) listStorage(ctx context.Context, _ Args) (any, error) {
	return h.c.Storage.ListVolumes(ctx)
}

func (h *handlers) instance(ctx context.Context, args Args) (any, error) {
	return h.c.Inventory.Get(ctx, args.Get("name"))
}

func (h *handlers) list(ctx context.Context, _ Args) (any, error) {
	return h.c.Inventory.List(ctx)
}

func (h *handlers) listContainers(ctx context.Context, _ Args) (any, error) {
	return h.c.Inventory.Containers(ctx)
}
