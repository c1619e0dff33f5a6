package validator

import (
	"fmt"

	"github.com/rpattn/recordtrail/internal/domain"
)

// ValidateRegistry checks cross-type constraints that single-descriptor
// registration cannot see: association targets must be registered, and link
// columns must not collide with declared business fields or with each other
// on the table that carries them.
func ValidateRegistry(reg *domain.Registry) error {
	carriers := make(map[string]map[string]string) // table -> fk column -> owning association

	for name, d := range reg.Descriptors() {
		for _, assoc := range d.Associations {
			target, ok := reg.Lookup(assoc.Target)
			if !ok {
				return fmt.Errorf("type %s association %s targets unregistered type %s", name, assoc.Name, assoc.Target)
			}

			// The foreign key lives on the owner for to-one links and on the
			// target for to-many links; either way it is a dedicated column.
			carrier := d
			if assoc.Cardinality == domain.CardinalityMany {
				carrier = target
			}
			if _, clash := carrier.Field(assoc.ForeignKey); clash {
				return fmt.Errorf("type %s association %s: foreign key %s collides with a declared field on %s",
					name, assoc.Name, assoc.ForeignKey, carrier.Name)
			}

			label := name + "." + assoc.Name
			cols, ok := carriers[carrier.Name]
			if !ok {
				cols = make(map[string]string)
				carriers[carrier.Name] = cols
			}
			if other, dup := cols[assoc.ForeignKey]; dup {
				return fmt.Errorf("associations %s and %s both claim column %s on %s",
					other, label, assoc.ForeignKey, carrier.Name)
			}
			cols[assoc.ForeignKey] = label
		}
	}
	return nil
}
