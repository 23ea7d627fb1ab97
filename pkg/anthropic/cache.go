package anthropic

// CachedSystem builds system blocks whose instructions carry a prompt-cache
// breakpoint. Stage instructions are identical across runs, so repeated
// calls for the same stage read them from cache.
func CachedSystem(instructions string, ttl string) []SystemBlock {
	if instructions == "" {
		return nil
	}
	if ttl == "" {
		return []SystemBlock{{Text: instructions}}
	}
	return []SystemBlock{{Text: instructions, CacheControl: &CacheControl{TTL: ttl}}}
}
