package lid

import (
	"slices"
	"strings"
)

// LabelPrefix is the prefix fastText puts in front of every label.
const LabelPrefix = "__label__"

// lid176 lists the language codes known to the fastText lid.176 model.
var lid176 = strings.Fields(`
af als am an ar arz as ast av az azb ba bar bcl be bg bh bn bo bpy br bs bxr ca cbk ce ceb
ckb co cs cv cy da de diq dsb dty dv el eml en eo es et eu fa fi fr frr fy ga gd gl gn gom
gu gv he hi hif hr hsb ht hu hy ia id ie ilo io is it ja jbo jv ka kk km kn ko krc ku kv kw
ky la lb lez li lmo lo lrc lt lv mai mg mhr min mk ml mn mr mrj ms mt mwl my myv mzn nah nap
nds ne new nl nn no oc or os pa pam pfl pl pms pnb ps pt qu rm ro ru rue sa sah sc scn sco
sd sh si sk sl so sq sr su sv sw ta te tg th tk tl tr tt tyv ug uk ur uz vec vep vi vls vo
wa war wuu xal xmf yi yo yue zh
`)

// Registry maps classifier labels to canonical output language codes.
// A Registry is immutable after construction and safe for concurrent use.
type Registry struct {
	labels map[string]string
	langs  []string
}

// NewRegistry builds a registry from a label -> language code mapping.
func NewRegistry(labels map[string]string) *Registry {
	r := &Registry{labels: make(map[string]string, len(labels))}
	seen := make(map[string]struct{}, len(labels))
	for label, lang := range labels {
		r.labels[label] = lang
		if _, ok := seen[lang]; !ok {
			seen[lang] = struct{}{}
			r.langs = append(r.langs, lang)
		}
	}
	slices.Sort(r.langs)
	return r
}

// RegistryFromCodes builds a registry mapping "__label__<code>" to "<code>".
func RegistryFromCodes(codes ...string) *Registry {
	labels := make(map[string]string, len(codes))
	for _, code := range codes {
		labels[LabelPrefix+code] = code
	}
	return NewRegistry(labels)
}

// DefaultRegistry returns the registry for the fastText lid.176 model.
func DefaultRegistry() *Registry {
	return RegistryFromCodes(lid176...)
}

// Lookup resolves a classifier label.
func (r *Registry) Lookup(label string) (string, bool) {
	lang, ok := r.labels[label]
	return lang, ok
}

// Languages returns the sorted, distinct language codes of the registry.
func (r *Registry) Languages() []string {
	return slices.Clone(r.langs)
}

// Len returns the number of labels.
func (r *Registry) Len() int {
	return len(r.labels)
}
