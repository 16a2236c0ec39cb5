package affiliate

import "context"

// ActorKind distinguishes partners from back-office staff and background jobs.
type ActorKind string

const (
	ActorPartner ActorKind = "PARTNER"
	ActorAdmin   ActorKind = "ADMIN"
	ActorSystem  ActorKind = "SYSTEM"
)

// Actor is the authenticated identity performing an operation. For partners
// ID is the PartnerID.
type Actor struct {
	ID   string
	Kind ActorKind
}

// SystemActor is used by scheduled sweeps. It is passed explicitly, never
// looked up.
var SystemActor = Actor{ID: "SYSTEM", Kind: ActorSystem}

func PartnerActor(id PartnerID) Actor { return Actor{ID: string(id), Kind: ActorPartner} }

func AdminActor(id string) Actor { return Actor{ID: id, Kind: ActorAdmin} }

// IsPrivileged reports whether the actor bypasses ownership checks.
func (a Actor) IsPrivileged() bool { return a.Kind == ActorAdmin || a.Kind == ActorSystem }

func (a Actor) IsPartner(id PartnerID) bool {
	return a.Kind == ActorPartner && a.ID == string(id)
}

func (a Actor) validate() error {
	if a.ID == "" {
		return invalid("actor", "actor is required")
	}
	switch a.Kind {
	case ActorPartner, ActorAdmin, ActorSystem:
		return nil
	}
	return invalid("actor", "unknown actor kind "+string(a.Kind))
}

// requireActive refuses partner actors whose enrollment has ended. A
// terminated partner keeps read access but may no longer act on customers.
func requireActive(ctx context.Context, s PartnerStore, actor Actor, action string) error {
	if actor.IsPrivileged() {
		return nil
	}
	p, err := s.GetPartner(ctx, PartnerID(actor.ID))
	if err != nil {
		return err
	}
	if p == nil {
		return unauthorized(actor, action, "unknown partner")
	}
	if !p.IsActive() {
		return unauthorized(actor, action, "partner is inactive")
	}
	return nil
}

type actorKey struct{}

// ContextWithActor attaches the actor to ctx.
func ContextWithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFromContext returns the actor attached by ContextWithActor.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}
