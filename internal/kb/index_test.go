package kb

import (
	"testing"

	"github.com/tbourn/go-agent-backend/internal/domain"
)

func entry(id uint, question, answer, category, keywords, lang string) domain.FAQEntry {
	return domain.FAQEntry{
		ID: id, Question: question, Answer: answer, Category: category,
		Keywords: keywords, Language: lang, Active: true,
	}
}

func testEntries() []domain.FAQEntry {
	return []domain.FAQEntry{
		entry(1, "Как посмотреть расписание занятий?", "Расписание доступно в личном кабинете.", "schedules", "расписание, занятия", "ru"),
		entry(2, "Где получить справку об обучении?", "Справка выдается в деканате.", "documents", "справка, документы", "ru"),
		entry(3, "When are the final exams scheduled?", "Exam dates are published two weeks in advance.", "exams", "exam, exams, schedule", "en"),
		entry(4, "Как подать заявку на стипендию?", "Заявка подается через портал.", "scholarships", "стипендия, заявка", "ru"),
	}
}

func TestSearch_ScheduleQueryRanksScheduleEntryFirst(t *testing.T) {
	idx := NewIndex(testEntries())

	results := idx.Search("расписание занятий", "")
	if len(results) == 0 {
		t.Fatalf("expected results")
	}
	top := results[0]
	if top.Entry.ID != 1 {
		t.Fatalf("expected schedule entry first, got %+v", top.Entry)
	}
	// Keyword hit + full question-token overlap + substring bonus puts the
	// match comfortably above the direct-answer confidence bar.
	if top.Score < 0.6 {
		t.Fatalf("expected confident score, got %v", top.Score)
	}
}

func TestSearch_NoMatchForGibberish(t *testing.T) {
	idx := NewIndex(testEntries())
	if results := idx.Search("xyz123", ""); results != nil {
		t.Fatalf("expected no results, got %v", results)
	}
}

func TestSearch_CategoryFilter(t *testing.T) {
	idx := NewIndex(testEntries())

	results := idx.Search("расписание занятий", "documents")
	for _, r := range results {
		if r.Entry.Category != "documents" {
			t.Fatalf("category filter leaked: %+v", r.Entry)
		}
	}

	if results := idx.Search("расписание занятий", "no-such-category"); results != nil {
		t.Fatalf("unknown category must yield nothing, got %v", results)
	}
}

func TestSearch_MinQueryTokens(t *testing.T) {
	idx := NewIndex(testEntries(), WithMinQueryTokens(2))
	if results := idx.Search("расписание", ""); results != nil {
		t.Fatalf("single-token query below minimum must return nil, got %v", results)
	}
	if results := idx.Search("расписание занятий", ""); len(results) == 0 {
		t.Fatalf("two-token query must match")
	}
}

func TestSearch_EmptyQueryReturnsNil(t *testing.T) {
	idx := NewIndex(testEntries())
	if results := idx.Search("", ""); results != nil {
		t.Fatalf("empty query must return nil, got %v", results)
	}
	if results := idx.Search("?!...", ""); results != nil {
		t.Fatalf("punctuation-only query must return nil, got %v", results)
	}
}

func TestSearch_TieBreaksByInsertionOrder(t *testing.T) {
	twins := []domain.FAQEntry{
		entry(10, "Где найти общую информацию?", "Первый ответ.", "general", "информация", "ru"),
		entry(11, "Где найти общую информацию?", "Второй ответ.", "general", "информация", "ru"),
	}
	idx := NewIndex(twins)
	results := idx.Search("где найти общую информацию", "")
	if len(results) != 2 {
		t.Fatalf("expected both twins, got %d", len(results))
	}
	if results[0].Entry.ID != 10 || results[1].Entry.ID != 11 {
		t.Fatalf("tie must break by insertion order: %v, %v", results[0].Entry.ID, results[1].Entry.ID)
	}
}

func TestSearch_MaxResults(t *testing.T) {
	idx := NewIndex(testEntries(), WithMaxResults(1), WithMinScore(0.01))
	results := idx.Search("расписание занятий справка стипендия", "")
	if len(results) != 1 {
		t.Fatalf("expected 1 capped result, got %d", len(results))
	}
}

func TestNewIndex_SkipsInactiveAndEmpty(t *testing.T) {
	off := entry(1, "Вопрос?", "Ответ.", "general", "", "ru")
	off.Active = false
	blank := entry(2, "   ", "Ответ.", "general", "", "ru")
	idx := NewIndex([]domain.FAQEntry{off, blank})
	if idx.Len() != 0 {
		t.Fatalf("expected empty index, got %d docs", idx.Len())
	}
}

func TestBest(t *testing.T) {
	idx := NewIndex(testEntries())
	if _, ok := idx.Best("xyz123", ""); ok {
		t.Fatalf("expected no best match")
	}
	best, ok := idx.Best("when are the final exams", "")
	if !ok || best.Entry.ID != 3 {
		t.Fatalf("expected exam entry, got ok=%v %+v", ok, best.Entry)
	}
}

func TestSearch_KeywordSignalIsQueryTokenFraction(t *testing.T) {
	// A long keyword list must not dilute the score of a query the keywords
	// fully cover: the keyword signal is the fraction of query tokens found
	// in the keyword set.
	e := entry(1, "Где получить справку об обучении?", "В деканате.", "documents", "справка, документы, выписка", "ru")
	idx := NewIndex([]domain.FAQEntry{e})
	results := idx.Search("справка", "")
	if len(results) != 1 {
		t.Fatalf("expected a match, got %v", results)
	}
	// One query token, fully covered, no question-token overlap with the
	// declined form: exactly the keyword weight.
	if got := results[0].Score; got < 0.59 || got > 0.61 {
		t.Fatalf("score = %v, want the full keyword weight", got)
	}
}

func TestSearch_MultiWordKeywordMatchesAsPhrase(t *testing.T) {
	e := entry(1, "Как восстановить студенческий билет?", "Обратитесь в деканат.", "documents", "студенческий билет", "ru")
	idx := NewIndex([]domain.FAQEntry{e})
	results := idx.Search("потерял студенческий билет", "")
	if len(results) != 1 {
		t.Fatalf("expected match through multi-word keyword, got %v", results)
	}
}
