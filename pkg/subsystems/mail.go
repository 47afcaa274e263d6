package subsystems

import (
	"context"
	"fmt"

	"github.com/domainkernel/domainkernel/pkg/capability"
	"github.com/domainkernel/domainkernel/pkg/engine"
	"github.com/domainkernel/domainkernel/pkg/model"
	"github.com/domainkernel/domainkernel/pkg/pipeline"
	"github.com/domainkernel/domainkernel/pkg/transform"
)

// MailSessionCapability is the dynamic capability of a mail session,
// scoped by the session name.
const MailSessionCapability = "org.wildfly.mail.session"

// Mail is the JavaMail session subsystem.
type Mail struct{}

func (m *Mail) Name() string { return "mail" }

func (m *Mail) Version() transform.ModelVersion { return transform.MustVersion("5.0.0") }

func (m *Mail) Registrations() []*pipeline.Registration {
	root := subsystemAddress(m.Name())
	session := root.Append(engine.Elem("mail-session", engine.Wildcard))

	return []*pipeline.Registration{
		{
			Pattern: root,
			Schema:  model.NewSchema("mail"),
		},
		{
			Pattern: session,
			Schema: model.NewSchema("mail session",
				model.AttributeDefinition{Name: "jndi-name", Type: model.TypeString, Required: true, Restart: model.RestartResourceServices},
				model.AttributeDefinition{Name: "from", Type: model.TypeString, Restart: model.RestartResourceServices},
				model.AttributeDefinition{Name: "debug", Type: model.TypeBoolean, Default: false, Restart: model.RestartResourceServices},
				model.AttributeDefinition{Name: "test", Type: model.TypeBoolean, Default: false, Restart: model.RestartResourceServices,
					Description: "Verify the connection to the mail server on start"},
			),
			Capabilities: []capability.Capability{capability.Dynamic(MailSessionCapability, "Session")},
			Installers:   m.sessionInstallers,
		},
		{
			Pattern: session.Append(engine.Elem("server", engine.Wildcard)),
			Schema: model.NewSchema("mail server",
				model.AttributeDefinition{Name: "outbound-socket-binding-ref", Type: model.TypeString, Required: true},
				model.AttributeDefinition{Name: "ssl", Type: model.TypeBoolean, Default: false},
				model.AttributeDefinition{Name: "username", Type: model.TypeString},
				model.AttributeDefinition{Name: "password", Type: model.TypeString},
			),
		},
	}
}

func (m *Mail) sessionInstallers(address engine.Address, attrs map[string]interface{}) []*capability.Installer {
	name := address.Last().Value
	jndi, _ := attrs["jndi-name"].(string)
	from, _ := attrs["from"].(string)
	debug, _ := attrs["debug"].(bool)
	test, _ := attrs["test"].(bool)

	return []*capability.Installer{{
		Capability: capability.FullName(MailSessionCapability, true, name),
		Start: func(context.Context, capability.Dependencies) (interface{}, error) {
			if test && jndi == "" {
				return nil, fmt.Errorf("mail session %s has no JNDI name to test", name)
			}
			return &MailSession{Name: name, JNDIName: jndi, From: from, Debug: debug}, nil
		},
	}}
}

// RegisterTransformers discards the test attribute for 4.0.0 peers, which
// do not know it.
func (m *Mail) RegisterTransformers(r *transform.Registry) {
	chain := r.Chain(m.Name(), m.Version())
	chain.Step(m.Version(), transform.MustVersion("4.0.0")).
		Resource(engine.Elem("mail-session", engine.Wildcard)).
		DiscardAttributes(transform.Always, "test")
}

// MailSession is the value a mail session capability resolves to.
type MailSession struct {
	Name     string
	JNDIName string
	From     string
	Debug    bool
}
