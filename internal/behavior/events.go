package behavior

// Event vocabulary emitted by the browser SDK. Names are wire-stable.
const (
	EventPageViewed            = "page_viewed"
	EventComponentViewed       = "component_viewed"
	EventScrollDepthReached    = "scroll_depth_reached"
	EventTimeOnComponent       = "time_on_component"
	EventClick                 = "click"
	EventBacktrack             = "backtrack"
	EventAddToCart             = "add_to_cart"
	EventConversionCompleted   = "conversion_completed"
	EventVariantShown          = "variant_shown"
	EventMouseHesitation       = "mouse_hesitation"
	EventMouseIdleStart        = "mouse_idle_start"
	EventMouseIdleEnd          = "mouse_idle_end"
	EventScrollDirectionChange = "scroll_direction_change"
	EventScrollFast            = "scroll_fast"
	EventScrollPause           = "scroll_pause"
	EventRageClick             = "rage_click"
	EventDeadClick             = "dead_click"
	EventRightClick            = "right_click"
	EventDoubleClick           = "double_click"
	EventHover                 = "hover"
	EventHoverEnd              = "hover_end"
	EventTabHidden             = "tab_hidden"
	EventTabVisible            = "tab_visible"
	EventWindowBlur            = "window_blur"
	EventWindowFocus           = "window_focus"
	EventFieldFocus            = "field_focus"
	EventFieldBlur             = "field_blur"
	EventFieldPaste            = "field_paste"
	EventFormSubmit            = "form_submit"
	EventFirstInteraction      = "first_interaction"
	EventPageExitIntent        = "page_exit_intent"
	EventExternalLinkClick     = "external_link_click"
	EventBackNavigation        = "back_navigation"
	EventProductClick          = "product_click"
)

// KnownEvents is the accepted vocabulary; ingest rejects names outside it.
var KnownEvents = map[string]bool{
	EventPageViewed:            true,
	EventComponentViewed:       true,
	EventScrollDepthReached:    true,
	EventTimeOnComponent:       true,
	EventClick:                 true,
	EventBacktrack:             true,
	EventAddToCart:             true,
	EventConversionCompleted:   true,
	EventVariantShown:          true,
	EventMouseHesitation:       true,
	EventMouseIdleStart:        true,
	EventMouseIdleEnd:          true,
	EventScrollDirectionChange: true,
	EventScrollFast:            true,
	EventScrollPause:           true,
	EventRageClick:             true,
	EventDeadClick:             true,
	EventRightClick:            true,
	EventDoubleClick:           true,
	EventHover:                 true,
	EventHoverEnd:              true,
	EventTabHidden:             true,
	EventTabVisible:            true,
	EventWindowBlur:            true,
	EventWindowFocus:           true,
	EventFieldFocus:            true,
	EventFieldBlur:             true,
	EventFieldPaste:            true,
	EventFormSubmit:            true,
	EventFirstInteraction:      true,
	EventPageExitIntent:        true,
	EventExternalLinkClick:     true,
	EventBackNavigation:        true,
	EventProductClick:          true,
}

// ConversionSignals mark explicit intent to convert.
var ConversionSignals = map[string]bool{
	EventAddToCart:           true,
	EventConversionCompleted: true,
	EventFormSubmit:          true,
}

// HighFrequency holds the event names the server coalesces, with the
// minimum interval (milliseconds) between persisted occurrences from one
// (user, session). Everything absorbed inside the interval rolls into the
// next persisted event's coalesced_count.
var HighFrequency = map[string]int64{
	EventMouseHesitation:       2000,
	EventMouseIdleStart:        1000,
	EventMouseIdleEnd:          1000,
	EventScrollDirectionChange: 500,
	EventScrollFast:            1000,
	EventScrollPause:           1500,
	EventHover:                 1000,
	EventHoverEnd:              1000,
	EventDeadClick:             500,
}

// IsHighFrequency reports whether the event name belongs to the
// throttled class.
func IsHighFrequency(name string) bool {
	_, ok := HighFrequency[name]
	return ok
}
