package server

import (
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/util/validation/field"

	fleetv1alpha "github.com/nusnewob/kube-fleetwatch/api/v1alpha"
	"github.com/nusnewob/kube-fleetwatch/internal/fleetcache"
	"github.com/nusnewob/kube-fleetwatch/internal/watchregistry"
)

// ValidateReference checks ref against the kinds known to models. A reference
// without apiVersion and kind is valid and inert.
func ValidateReference(ctx context.Context, models fleetcache.ModelResolver, ref fleetv1alpha.ResourceReference) field.ErrorList {
	var errs field.ErrorList

	if ref.APIVersion == "" && ref.Kind == "" {
		return nil
	}
	if ref.APIVersion == "" {
		errs = append(errs, field.Required(field.NewPath("apiVersion"), "required when kind is set"))
	}
	if ref.Kind == "" {
		errs = append(errs, field.Required(field.NewPath("kind"), "required when apiVersion is set"))
	}
	if len(errs) > 0 {
		return errs
	}

	gvk, err := watchregistry.CanonicalGVK(ref.APIVersion, ref.Kind)
	if err != nil {
		return append(errs, field.Invalid(field.NewPath("apiVersion"), ref.APIVersion, err.Error()))
	}

	if !ref.IsList && ref.Name == "" {
		errs = append(errs, field.Required(field.NewPath("name"), "required unless list is set"))
	}

	model, err := models.ResolveModel(ctx, gvk)
	if err != nil {
		return append(errs, field.Invalid(
			field.NewPath("kind"),
			fmt.Sprintf("%s/%s", ref.APIVersion, ref.Kind),
			err.Error(),
		))
	}
	if err := fleetcache.ValidateScope(model, ref.Namespace); err != nil {
		errs = append(errs, field.Invalid(field.NewPath("namespace"), ref.Namespace, err.Error()))
	}

	return errs
}
