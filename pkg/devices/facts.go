package devices

// saveExtras records the extension entries of a facts snapshot so they
// survive a refresh.
func saveExtras(f *Facts, extras map[string]interface{}) {
	for k, v := range f.Extensions {
		extras[k] = v
	}
}

// mergeExtras restores saved extension entries into a freshly computed
// snapshot. Recomputed keys win over saved ones.
func mergeExtras(f *Facts, extras map[string]interface{}) {
	if f.Extensions == nil {
		f.Extensions = map[string]interface{}{}
	}
	for k, v := range extras {
		if _, ok := f.Extensions[k]; !ok {
			f.Extensions[k] = v
		}
	}
}
